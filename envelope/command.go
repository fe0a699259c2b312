package envelope

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/lovebridge/errors"
)

// Command is an inbound request from the downstream consumer.
type Command struct {
	// ID correlates the command with its reply. Generated when absent.
	ID string `json:"id"`

	// Type selects the handler, e.g. "query_job_info".
	Type string `json:"type"`

	// Params carries the command arguments.
	Params map[string]any `json:"params,omitempty"`
}

// Well-known command types.
const (
	CmdQueryJobInfo   = "query_job_info"
	CmdQueryJobConfig = "query_job_config"
	CmdSetLogLevel    = "set_log_level"
	CmdInitialState   = "initial_state"
)

// ParseCommand decodes an inbound frame. The legacy {"cmd": ..., "params": ...}
// shape is accepted as well.
func ParseCommand(raw []byte) (*Command, error) {
	var wire struct {
		Command
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "parse command")
	}

	cmd := wire.Command
	if cmd.Type == "" {
		cmd.Type = wire.Cmd
	}
	cmd.Type = strings.TrimSpace(cmd.Type)
	if cmd.Type == "" {
		return nil, errors.InvalidInput("command type required")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Params == nil {
		cmd.Params = map[string]any{}
	}
	return &cmd, nil
}

// StringParam returns a parameter as a string. Numbers are formatted without
// a fractional part when integral.
func (c *Command) StringParam(name string) (string, bool) {
	v, ok := c.Params[name]
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, x != ""
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), true
		}
	}
	return "", false
}

// IntParam returns a numeric parameter as an int.
func (c *Command) IntParam(name string) (int, bool) {
	v, ok := c.Params[name]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// Reply builds the single response envelope for cmd.
func Reply(source string, cmd *Command, payload map[string]any, now time.Time) Envelope {
	p := Sanitize(payload)
	p["id"] = cmd.ID
	return Envelope{
		Source:    source,
		Topic:     cmd.Type + ".reply",
		Payload:   p,
		Timestamp: now,
	}
}

// ErrorReply builds the error envelope for cmd. NOT_FOUND maps to the
// "not-found" kind; every other failure is reported as "invalid".
func ErrorReply(source string, cmd *Command, err error, now time.Time) Envelope {
	kind := "invalid"
	if errors.Is(err, errors.ErrCodeNotFound) {
		kind = "not-found"
	}

	var payload map[string]any
	if be := errors.AsBridgeError(err); be != nil {
		payload = be.Payload()
		payload["message"] = err.Error()
	} else {
		payload = map[string]any{
			"code":    string(errors.ErrCodeInvalidInput),
			"message": err.Error(),
		}
	}

	cmdType := "unknown"
	payload["id"] = ""
	if cmd != nil {
		cmdType = cmd.Type
		payload["id"] = cmd.ID
	}
	payload["error"] = kind
	return Envelope{
		Source:    source,
		Topic:     cmdType + ".error",
		Payload:   payload,
		Timestamp: now,
	}
}
