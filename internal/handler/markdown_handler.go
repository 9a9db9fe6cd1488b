package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mumet-go/pkg/markdown"
)

// maxRenderBytes 限制单次渲染的文本大小。
const maxRenderBytes = 256 << 10

// MarkdownHandler 把 markdown 文本渲染为展示节点。
type MarkdownHandler struct {
	renderer *markdown.Renderer
}

// NewMarkdownHandler 创建一个新的 MarkdownHandler 实例。
func NewMarkdownHandler(renderer *markdown.Renderer) *MarkdownHandler {
	return &MarkdownHandler{renderer: renderer}
}

// RenderRequest 是渲染请求体。
type RenderRequest struct {
	Text string `json:"text"`
}

// Render 处理渲染请求。不完整的 markdown（例如未闭合的代码块）也会尽力渲染。
func (h *MarkdownHandler) Render(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	if len(req.Text) > maxRenderBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "文本过长"})
		return
	}
	nodes := h.renderer.Render(req.Text)
	if nodes == nil {
		nodes = []markdown.Node{}
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": nodes, "message": "success"})
}
