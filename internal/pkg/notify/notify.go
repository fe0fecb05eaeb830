package notify

import (
	"context"
	"time"

	"marketlens/internal/model"
)

// Notifier 定义机会提醒接口。
type Notifier interface {
	// SendOpportunityDigest 发送一封 (关键词, 日) 的机会摘要邮件。
	//
	// 参数:
	//   ctx: 上下文
	//   keyword: 触发提醒的关键词
	//   date: 指标日期
	//   flags: 达到提醒分数线的机会标记
	//   toEmail: 接收邮箱
	SendOpportunityDigest(ctx context.Context, keyword *model.Keyword, date time.Time, flags []model.OpportunityFlag, toEmail string) error
}
