package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"autorules/internal/models"
	"autorules/pkg/dtable"
)

// Third-party account types.
const (
	AccountTypeWechat   = "wechat_robot"
	AccountTypeDingtalk = "dingtalk_robot"
	AccountTypeEmail    = "email"
)

// ErrAccountNotFound 第三方账号被删除，规则应失效
var ErrAccountNotFound = errors.New("third party account not found")

// AccountDetail 第三方账号的 detail JSON
type AccountDetail struct {
	WebhookURL string `json:"webhook_url"`
	EmailHost  string `json:"email_host"`
	EmailPort  int    `json:"email_port"`
	HostUser   string `json:"host_user"`
	Password   string `json:"password"`
}

// LoadAccount 取第三方账号并解出 detail
func LoadAccount(ctx context.Context, db *gorm.DB, accountID int64) (*models.ThirdPartyAccount, *AccountDetail, error) {
	var account models.ThirdPartyAccount
	err := db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var detail AccountDetail
	if err := json.Unmarshal([]byte(account.Detail), &detail); err != nil {
		return nil, nil, fmt.Errorf("account %d: decode detail: %w", accountID, err)
	}
	return &account, &detail, nil
}

// Sender 出站通知后端（群机器人 webhook、SMTP 邮件、脚本运行器）
type Sender struct {
	httpClient *http.Client
	runnerURL  string
	breaker    *Breaker
	logger     *logrus.Logger
}

func NewSender(runnerURL string, runnerTimeout time.Duration, logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.New()
	}
	if runnerTimeout == 0 {
		runnerTimeout = 10 * time.Second
	}
	return &Sender{
		httpClient: &http.Client{Timeout: runnerTimeout},
		runnerURL:  strings.TrimRight(runnerURL, "/"),
		breaker:    NewBreaker(),
		logger:     logger,
	}
}

// SendWechat 企业微信群机器人
func (s *Sender) SendWechat(ctx context.Context, webhookURL, message, msgType, title string) error {
	body := map[string]interface{}{"msgtype": msgType}
	switch msgType {
	case "markdown":
		content := message
		if title != "" {
			content = "## " + title + "\n" + message
		}
		body["markdown"] = map[string]string{"content": content}
	default:
		body["msgtype"] = "text"
		body["text"] = map[string]string{"content": message}
	}
	return s.postJSON(ctx, webhookURL, body)
}

// SendDingtalk 钉钉群机器人
func (s *Sender) SendDingtalk(ctx context.Context, webhookURL, message, msgType, title string) error {
	body := map[string]interface{}{"msgtype": msgType}
	switch msgType {
	case "markdown":
		body["markdown"] = map[string]string{"title": title, "text": message}
	default:
		body["msgtype"] = "text"
		body["text"] = map[string]string{"content": message}
	}
	return s.postJSON(ctx, webhookURL, body)
}

func (s *Sender) postJSON(ctx context.Context, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook error [%d]: %s", resp.StatusCode, string(raw))
	}
	return nil
}

// SendEmail SMTP 明文认证发送；收件人须已通过邮箱合法性过滤
func (s *Sender) SendEmail(detail *AccountDetail, subject, body string, to, cc []string) error {
	if len(to) == 0 {
		return errors.New("send email: empty recipient list")
	}
	addr := fmt.Sprintf("%s:%d", detail.EmailHost, detail.EmailPort)
	auth := smtp.PlainAuth("", detail.HostUser, detail.Password, detail.EmailHost)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", detail.HostUser)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ","))
	if len(cc) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\r\n", strings.Join(cc, ","))
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n%s", subject, body)

	all := append(append([]string(nil), to...), cc...)
	return smtp.SendMail(addr, auth, detail.HostUser, all, msg.Bytes())
}

// RunScript 把脚本任务提交给外部运行器。熔断打开时直接短路；
// 非 200 只告警不失败（由调用方决定结论）。
func (s *Sender) RunScript(ctx context.Context, task *dtable.ScriptTask, token string) error {
	if s.runnerURL == "" {
		return errors.New("script runner not configured")
	}
	if !s.breaker.Allow() {
		return fmt.Errorf("script runner circuit %s", s.breaker.State())
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.runnerURL+"/run-script/", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.breaker.RecordFailure()
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("script runner [%d]: %s", resp.StatusCode, string(raw))
	}
	s.breaker.RecordSuccess()
	return nil
}
