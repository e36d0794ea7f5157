package slack

import (
	"context"
	"fmt"
	"log/slog"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

// ApprovalPrompt is the content of an approval request message.
type ApprovalPrompt struct {
	ActionID          int64
	ApprovalRequestID string
	ThreadID          string
	Summary           string
	Draft             string
}

// Gateway posts coordinator messages to the chat workspace. Implementations
// must be safe for concurrent use.
type Gateway interface {
	// SendApprovalPrompt posts the interactive approval message and returns
	// the handle of the created thread. A nil handle with nil error means
	// chat delivery is not configured; approval flows proceed without it.
	SendApprovalPrompt(ctx context.Context, p ApprovalPrompt) (*contracts.ChatHandle, error)

	// PostThreadMessage posts text into an existing thread. Best effort:
	// delivery failures are logged, not returned.
	PostThreadMessage(ctx context.Context, handle contracts.ChatHandle, text string)

	// SendDemoAlert opens a demo scenario thread with plan-selection buttons.
	SendDemoAlert(ctx context.Context, alertID string) (*contracts.ChatHandle, error)

	// SendDemoPrompt posts the draft summary with approve/reject buttons.
	SendDemoPrompt(ctx context.Context, handle contracts.ChatHandle, summary, alertID string)

	// SendDemoRetryPrompt reports a failed calendar attempt with a retry button.
	SendDemoRetryPrompt(ctx context.Context, handle contracts.ChatHandle, alertID, reason string)
}

// Client is the production Gateway over the Slack Web API.
type Client struct {
	api     *slackapi.Client
	channel string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a Client posting to defaultChannel. Returns nil (meaning
// chat is disabled) when the token or channel is absent; callers treat a nil
// gateway via NewNoop.
func NewClient(botToken, defaultChannel string, logger *slog.Logger) *Client {
	if botToken == "" || defaultChannel == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     slackapi.New(botToken),
		channel: defaultChannel,
		// chat.postMessage is tier 3: roughly one message per second per channel.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:  logger,
	}
}

func (c *Client) post(ctx context.Context, channel string, opts ...slackapi.MsgOption) (string, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", "", err
	}
	respChannel, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", "", &contracts.IntegrationError{Provider: "slack", Message: "chat.postMessage failed", Err: err}
	}
	return respChannel, ts, nil
}

func plainText(text string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.PlainTextType, text, false, false)
}

func mrkdwn(text string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false)
}

func button(actionID, value, label string, style slackapi.Style) *slackapi.ButtonBlockElement {
	btn := slackapi.NewButtonBlockElement(actionID, value, plainText(label))
	if style != slackapi.StyleDefault {
		btn.Style = style
	}
	return btn
}

// SendApprovalPrompt posts the HITL approval message with approve, reject,
// and request-changes buttons, all carrying the same routing value.
func (c *Client) SendApprovalPrompt(ctx context.Context, p ApprovalPrompt) (*contracts.ChatHandle, error) {
	title := p.Summary
	if title == "" {
		title = "Approval required"
	}
	value := BuildActionValue(p.ThreadID, p.ApprovalRequestID, p.ActionID)

	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(plainText("SaihAI HITL Approval")),
		slackapi.NewSectionBlock(mrkdwn(fmt.Sprintf("*%s*", title)), nil, nil),
	}
	if p.Draft != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(mrkdwn(fmt.Sprintf("```%s```", p.Draft)), nil, nil))
	}
	blocks = append(blocks,
		slackapi.NewActionBlock("",
			button(ActionApprove, value, "Approve", slackapi.StylePrimary),
			button(ActionReject, value, "Reject", slackapi.StyleDanger),
			button(ActionRequestChanges, value, "Request changes", slackapi.StyleDefault),
		),
		slackapi.NewContextBlock("",
			mrkdwn(fmt.Sprintf("thread_id: `%s`", p.ThreadID)),
			mrkdwn(fmt.Sprintf("approval_id: `%s`", p.ApprovalRequestID)),
		),
	)

	channel, ts, err := c.post(ctx, c.channel,
		slackapi.MsgOptionText(title, false),
		slackapi.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return nil, err
	}
	return &contracts.ChatHandle{Channel: channel, MessageTS: ts, ThreadTS: ts}, nil
}

// PostThreadMessage posts text into the thread. Failures are logged only; a
// missed notification must never roll back coordinator state.
func (c *Client) PostThreadMessage(ctx context.Context, handle contracts.ChatHandle, text string) {
	if !handle.Valid() {
		return
	}
	_, _, err := c.post(ctx, handle.Channel,
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionTS(handle.ReplyTS()),
	)
	if err != nil {
		c.logger.Warn("thread message delivery failed", "channel", handle.Channel, "error", err)
	}
}

// SendDemoAlert opens the demo thread: an intervention alert with plan buttons.
func (c *Client) SendDemoAlert(ctx context.Context, alertID string) (*contracts.ChatHandle, error) {
	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(plainText("SaihAI 介入アラート")),
		slackapi.NewSectionBlock(mrkdwn("プロジェクトに介入が必要です。対応プランを選択してください。"), nil, nil),
		slackapi.NewActionBlock("",
			button(ActionDemoPlanA, alertID, "Plan A", slackapi.StylePrimary),
			button(ActionDemoPlanB, alertID, "Plan B", slackapi.StyleDefault),
			button(ActionDemoCancel, alertID, "Cancel", slackapi.StyleDanger),
		),
		slackapi.NewContextBlock("", mrkdwn(fmt.Sprintf("alert_id: `%s`", alertID))),
	}
	channel, ts, err := c.post(ctx, c.channel,
		slackapi.MsgOptionText("SaihAI 介入アラート", false),
		slackapi.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return nil, err
	}
	return &contracts.ChatHandle{Channel: channel, MessageTS: ts, ThreadTS: ts}, nil
}

// SendDemoPrompt posts the execution draft summary with approve and reject
// buttons inside the demo thread.
func (c *Client) SendDemoPrompt(ctx context.Context, handle contracts.ChatHandle, summary, alertID string) {
	if !handle.Valid() {
		return
	}
	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(mrkdwn(summary), nil, nil),
		slackapi.NewActionBlock("",
			button(ActionDemoApprove, alertID, "Approve", slackapi.StylePrimary),
			button(ActionDemoReject, alertID, "Reject", slackapi.StyleDanger),
		),
	}
	_, _, err := c.post(ctx, handle.Channel,
		slackapi.MsgOptionText("実行ドラフト", false),
		slackapi.MsgOptionBlocks(blocks...),
		slackapi.MsgOptionTS(handle.ReplyTS()),
	)
	if err != nil {
		c.logger.Warn("demo prompt delivery failed", "alert_id", alertID, "error", err)
	}
}

// SendDemoRetryPrompt reports a calendar failure and offers a retry button.
func (c *Client) SendDemoRetryPrompt(ctx context.Context, handle contracts.ChatHandle, alertID, reason string) {
	if !handle.Valid() {
		return
	}
	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(mrkdwn(fmt.Sprintf("カレンダー登録に失敗しました:\n```%s```", reason)), nil, nil),
		slackapi.NewActionBlock("",
			button(ActionDemoRetry, alertID, "Retry", slackapi.StylePrimary),
		),
	}
	_, _, err := c.post(ctx, handle.Channel,
		slackapi.MsgOptionText("カレンダー登録に失敗しました", false),
		slackapi.MsgOptionBlocks(blocks...),
		slackapi.MsgOptionTS(handle.ReplyTS()),
	)
	if err != nil {
		c.logger.Warn("demo retry prompt delivery failed", "alert_id", alertID, "error", err)
	}
}

// Noop is the Gateway used when chat is not configured. Approval prompts
// return no handle; everything else is silently dropped.
type Noop struct{}

// NewNoop returns the disabled gateway.
func NewNoop() Noop { return Noop{} }

func (Noop) SendApprovalPrompt(context.Context, ApprovalPrompt) (*contracts.ChatHandle, error) {
	return nil, nil
}

func (Noop) PostThreadMessage(context.Context, contracts.ChatHandle, string) {}

func (Noop) SendDemoAlert(context.Context, string) (*contracts.ChatHandle, error) {
	return nil, &contracts.IntegrationError{Provider: "slack", Message: "chat gateway not configured"}
}

func (Noop) SendDemoPrompt(context.Context, contracts.ChatHandle, string, string) {}

func (Noop) SendDemoRetryPrompt(context.Context, contracts.ChatHandle, string, string) {}
