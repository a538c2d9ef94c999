// Package csvio reads and writes the admin bulk user file.
//
// The file has a header row naming any of the Columns in any order; only
// username is required. Export always writes every column and leaves
// password empty.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/store"
)

const (
	ColUsername      = "username"
	ColPassword      = "password"
	ColIsAdmin       = "is_admin"
	ColIsLocked      = "is_locked"
	ColAPIKey        = "api_key"
	ColVoiceAgentID  = "voice_agent_id"
	ColChatAgentID   = "chat_agent_id"
	ColWebhookURL    = "webhook_url"
	ColWebhookAPIKey = "webhook_api_key"
)

var Columns = []string{
	ColUsername, ColPassword, ColIsAdmin, ColIsLocked,
	ColAPIKey, ColVoiceAgentID, ColChatAgentID, ColWebhookURL, ColWebhookAPIKey,
}

// ExportRecord is one user with its stored credentials.
type ExportRecord struct {
	User   store.User
	Config store.UserConfig
}

func Export(w io.Writer, records []ExportRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, rec := range records {
		err := cw.Write([]string{
			rec.User.Username,
			"",
			strconv.FormatBool(rec.User.IsAdmin),
			strconv.FormatBool(rec.User.IsLocked),
			rec.Config.APIKey,
			rec.Config.VoiceAgentID,
			rec.Config.ChatAgentID,
			rec.Config.WebhookURL,
			rec.Config.WebhookAPIKey,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row is one parsed data line. Has reports which columns the file carried, so
// an update only touches those.
type Row struct {
	Line     int
	Username string
	Password string
	IsAdmin  bool
	IsLocked bool
	Config   store.UserConfig

	has map[string]bool
}

func (r Row) Has(col string) bool { return r.has[col] }

// RowError reports a rejected line.
type RowError struct {
	Line     int    `json:"line"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message"`
}

func (e RowError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("line %d (%s): %s", e.Line, e.Username, e.Message)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Parse reads every data row. A malformed header is fatal; malformed rows are
// returned as RowErrors and parsing continues.
func Parse(r io.Reader) ([]Row, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("csv is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	index, err := parseHeader(header)
	if err != nil {
		return nil, nil, err
	}

	var (
		rows []Row
		bad  []RowError
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				bad = append(bad, RowError{Line: perr.Line, Message: perr.Err.Error()})
				continue
			}
			return nil, nil, err
		}
		if blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		row, rerr := parseRow(index, rec, line)
		if rerr != nil {
			bad = append(bad, *rerr)
			continue
		}
		rows = append(rows, row)
	}
	return rows, bad, nil
}

func parseHeader(header []string) (map[string]int, error) {
	known := make(map[string]bool, len(Columns))
	for _, c := range Columns {
		known[c] = true
	}
	index := make(map[string]int, len(header))
	for i, raw := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff")))
		if !known[name] {
			return nil, fmt.Errorf("unknown column %q", raw)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		index[name] = i
	}
	if _, ok := index[ColUsername]; !ok {
		return nil, fmt.Errorf("missing required column %q", ColUsername)
	}
	return index, nil
}

func parseRow(index map[string]int, rec []string, line int) (Row, *RowError) {
	row := Row{Line: line, has: make(map[string]bool, len(index))}
	get := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		row.has[col] = true
		return strings.TrimSpace(rec[i])
	}

	name, err := store.NormalizeUsername(get(ColUsername))
	if err != nil {
		return Row{}, &RowError{Line: line, Message: err.Error()}
	}
	row.Username = name
	row.Password = get(ColPassword)
	if row.Password == "" {
		delete(row.has, ColPassword)
	}

	for _, b := range []struct {
		col string
		dst *bool
	}{{ColIsAdmin, &row.IsAdmin}, {ColIsLocked, &row.IsLocked}} {
		v, err := parseBool(get(b.col))
		if err != nil {
			return Row{}, &RowError{Line: line, Username: name, Message: fmt.Sprintf("%s: %v", b.col, err)}
		}
		*b.dst = v
	}

	row.Config = store.UserConfig{
		APIKey:        get(ColAPIKey),
		VoiceAgentID:  get(ColVoiceAgentID),
		ChatAgentID:   get(ColChatAgentID),
		WebhookURL:    get(ColWebhookURL),
		WebhookAPIKey: get(ColWebhookAPIKey),
	}
	if err := row.Config.Validate(); err != nil {
		return Row{}, &RowError{Line: line, Username: name, Message: err.Error()}
	}
	return row, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "0", "false", "no", "n":
		return false, nil
	case "1", "true", "yes", "y":
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// MergeConfig overlays the columns present in row onto base.
func (r Row) MergeConfig(base store.UserConfig) store.UserConfig {
	out := base
	if r.Has(ColAPIKey) {
		out.APIKey = r.Config.APIKey
	}
	if r.Has(ColVoiceAgentID) {
		out.VoiceAgentID = r.Config.VoiceAgentID
	}
	if r.Has(ColChatAgentID) {
		out.ChatAgentID = r.Config.ChatAgentID
	}
	if r.Has(ColWebhookURL) {
		out.WebhookURL = r.Config.WebhookURL
	}
	if r.Has(ColWebhookAPIKey) {
		out.WebhookAPIKey = r.Config.WebhookAPIKey
	}
	return out
}

func (r Row) hasConfig() bool {
	return r.Has(ColAPIKey) || r.Has(ColVoiceAgentID) || r.Has(ColChatAgentID) ||
		r.Has(ColWebhookURL) || r.Has(ColWebhookAPIKey)
}
