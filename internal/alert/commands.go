package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command is an operator instruction received over Telegram. Commands act at
// cycle boundaries; they never interrupt an in-flight exchange call.
type Command string

const (
	CmdStatus  Command = "status"
	CmdStop    Command = "stop"
	CmdEnd     Command = "end"
	CmdRestart Command = "restart"
)

// CommandPoller long-polls the Telegram getUpdates endpoint and emits
// recognized commands addressed to this instance. Messages from other chats
// or addressed to other instances are ignored.
type CommandPoller struct {
	botToken    string
	chatID      string
	baseURL     string
	instanceID  string
	pollTimeout time.Duration
	client      *http.Client
	log         *zap.Logger
	out         chan Command
	offset      int64
}

func NewCommandPoller(botToken, chatID, baseURL, instanceID string, pollTimeout time.Duration, log *zap.Logger) *CommandPoller {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandPoller{
		botToken:    botToken,
		chatID:      chatID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		instanceID:  instanceID,
		pollTimeout: pollTimeout,
		client:      &http.Client{Timeout: pollTimeout + 10*time.Second},
		log:         log,
		out:         make(chan Command, 8),
	}
}

func (p *CommandPoller) Commands() <-chan Command { return p.out }

// Run polls until ctx is canceled. Transport errors back off and retry; the
// poller never terminates the process.
func (p *CommandPoller) Run(ctx context.Context) {
	defer close(p.out)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := p.fetchUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("telegram getUpdates failed", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			cmd, ok := p.parseUpdate(u)
			if !ok {
				continue
			}
			select {
			case p.out <- cmd:
			case <-ctx.Done():
				return
			default:
				p.log.Warn("command dropped, queue full", zap.String("command", string(cmd)))
			}
		}
	}
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramMessage struct {
	Chat telegramChat `json:"chat"`
	Text string       `json:"text"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramUpdatesResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      []telegramUpdate `json:"result"`
}

func (p *CommandPoller) fetchUpdates(ctx context.Context) ([]telegramUpdate, error) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(int64(p.pollTimeout/time.Second), 10))
	q.Set("offset", strconv.FormatInt(p.offset, 10))
	q.Set("allowed_updates", `["message"]`)
	endpoint := p.baseURL + "/bot" + p.botToken + "/getUpdates?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed telegramUpdatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return parsed.Result, nil
}

func (p *CommandPoller) parseUpdate(u telegramUpdate) (Command, bool) {
	if u.Message == nil {
		return "", false
	}
	if p.chatID != "" && strconv.FormatInt(u.Message.Chat.ID, 10) != p.chatID {
		return "", false
	}
	return ParseCommand(u.Message.Text, p.instanceID)
}

// ParseCommand interprets a message as "/cmd" or "/cmd@instance". A bare
// command addresses every instance sharing the chat; a suffixed one only the
// named instance.
func ParseCommand(text, instanceID string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	text = strings.TrimPrefix(text, "/")
	name, target, hasTarget := strings.Cut(text, "@")
	if hasTarget && !strings.EqualFold(strings.TrimSpace(target), instanceID) {
		return "", false
	}
	switch Command(strings.ToLower(strings.TrimSpace(name))) {
	case CmdStatus:
		return CmdStatus, true
	case CmdStop:
		return CmdStop, true
	case CmdEnd:
		return CmdEnd, true
	case CmdRestart:
		return CmdRestart, true
	}
	return "", false
}
