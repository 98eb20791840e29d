package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-vault/internal/txn"
	"etf-vault/internal/valuation"
)

// Notification 封装告警上下文，Drift 与 Action 二选一。
type Notification struct {
	At            time.Time
	Block         uint64
	Vault         common.Address
	Drift         *valuation.Drift
	ThresholdPct  decimal.Decimal
	Action        *txn.Status
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// ActionNotifier adapts a Notifier to the transaction orchestrator.
type ActionNotifier struct {
	Notifier Notifier
	Channels []string
}

// NotifyAction forwards a final transaction outcome.
func (a ActionNotifier) NotifyAction(ctx context.Context, st txn.Status) error {
	if a.Notifier == nil {
		return nil
	}
	return a.Notifier.Notify(ctx, Notification{
		At:       st.UpdatedAt,
		Vault:    st.Target,
		Action:   &st,
		Channels: a.Channels,
	})
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("vault", note.Vault.Hex()).
		Str("kind", noteKind(note)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 在未配置 Telegram 时把告警写入日志。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify writes the rendered message at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("vault", note.Vault.Hex()).Str("kind", noteKind(note)).Msg(renderMessage(note))
	return nil
}

func noteKind(note Notification) string {
	switch {
	case note.Drift != nil:
		return "drift"
	case note.Action != nil:
		return "action"
	default:
		return "message"
	}
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch {
	case note.Drift != nil:
		d := note.Drift
		builder.WriteString("[ETF Vault Drift]\n")
		builder.WriteString(fmt.Sprintf("Vault: %s\n", note.Vault.Hex()))
		if note.Block != 0 {
			builder.WriteString(fmt.Sprintf("Block: %d\n", note.Block))
		}
		builder.WriteString(fmt.Sprintf("Token: %s (%s)\n", d.Symbol, d.Token.Hex()))
		builder.WriteString(fmt.Sprintf("Target: %s%% Actual: %s%%\n", d.TargetPercent.StringFixed(2), d.ActualPercent.StringFixed(2)))
		builder.WriteString(fmt.Sprintf("Drift: %s%% (threshold %s%%)\n", d.Drift.StringFixed(2), note.ThresholdPct.StringFixed(2)))
	case note.Action != nil:
		a := note.Action
		builder.WriteString("[ETF Vault Tx]\n")
		builder.WriteString(fmt.Sprintf("Target: %s\n", a.Target.Hex()))
		builder.WriteString(fmt.Sprintf("Action: %s -> %s\n", a.Kind, a.State))
		if a.TxHash != (common.Hash{}) {
			builder.WriteString(fmt.Sprintf("Tx: %s\n", a.TxHash.Hex()))
		}
		if a.Reason != "" {
			builder.WriteString(fmt.Sprintf("Reason: %s\n", a.Reason))
		}
	default:
		builder.WriteString("[ETF Vault]\n")
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier     = (*TelegramNotifier)(nil)
	_ Notifier     = (*LogNotifier)(nil)
	_ txn.Notifier = ActionNotifier{}
)
