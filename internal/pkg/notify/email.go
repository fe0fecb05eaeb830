package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketlens/internal/config"
	"marketlens/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件提醒。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件提醒器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendOpportunityDigest 发送机会摘要邮件。
//
// SMTP 未配置或收件人为空时静默跳过——提醒是旁路，
// 不能影响指标发布。
func (n *EmailNotifier) SendOpportunityDigest(ctx context.Context, keyword *model.Keyword, date time.Time, flags []model.OpportunityFlag, toEmail string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip opportunity digest")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		n.logger.Warn("email recipient empty, skip opportunity digest")
		return nil
	}
	if len(flags) == 0 {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", fmt.Sprintf("[MarketLens] 🎯 机会提醒: %s (%s)", keyword.Text, date.Format("2006-01-02")))

	m.SetBody("text/html", n.buildHTMLBody(keyword, date, flags))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("opportunity digest sent",
		slog.String("to", toEmail),
		slog.String("keyword", keyword.Text),
		slog.Int("flags", len(flags)))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(keyword *model.Keyword, date time.Time, flags []model.OpportunityFlag) string {
	var rows strings.Builder
	for _, f := range flags {
		rows.WriteString(fmt.Sprintf(`
      <tr>
        <td style="padding: 8px 12px; border-bottom: 1px solid #e5e7eb; font-weight: bold;">%s</td>
        <td style="padding: 8px 12px; border-bottom: 1px solid #e5e7eb; color: #ef4444; font-weight: bold;">%d</td>
        <td style="padding: 8px 12px; border-bottom: 1px solid #e5e7eb; color: #374151;">%s</td>
      </tr>`, f.Category, f.Score, f.Summary))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 640px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .keyword { font-size: 20px; font-weight: bold; margin-bottom: 4px; }
  .date { font-size: 13px; color: #6b7280; margin-bottom: 16px; }
  table { width: 100%%; border-collapse: collapse; font-size: 14px; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[MarketLens] 🎯 关键词机会提醒</div>
    <div class="content">
      <div class="keyword">%s</div>
      <div class="date">%s · %s</div>
      <table>
        <tr>
          <th style="text-align:left; padding: 8px 12px; border-bottom: 2px solid #0f172a;">类别</th>
          <th style="text-align:left; padding: 8px 12px; border-bottom: 2px solid #0f172a;">分数</th>
          <th style="text-align:left; padding: 8px 12px; border-bottom: 2px solid #0f172a;">信号</th>
        </tr>%s
      </table>
      <div class="footer">分数为 0-100 的归一化触发强度；详情见查询 API。</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, keyword.Text, keyword.Marketplace, date.Format("2006-01-02"), rows.String())
}
