package model

// DailyUsage 是某个用户一天内的助手回复统计。
type DailyUsage struct {
	Day       string `json:"day"` // YYYY-MM-DD，UTC
	Turns     int64  `json:"turns"`
	Errored   int64  `json:"errored"`
	Chars     int64  `json:"chars"`
	LatencyMs int64  `json:"latencyMs"` // 总耗时，平均值由前端计算
}
