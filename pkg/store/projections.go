package store

import (
	"encoding/json"
	"fmt"
)

// cursorProjection is the scalar column set extracted from a Cursor
// payload. Pointer fields become NULL when the payload lacks them: the
// live Cursor schema does not expose model or token data for every event
// and absent values are never synthesised.
type cursorProjection struct {
	ComposerID            *string
	BubbleID              *string
	GenerationUUID        *string
	LinesAdded            *int64
	LinesRemoved          *int64
	TokenCountUpUntilHere *int64
	RelevantFiles         *string
	CapabilitiesRan       *string
	CapabilityStatuses    *string
}

// claudeProjection is the scalar column set extracted from a Claude
// transcript record.
type claudeProjection struct {
	UUID         *string
	ParentUUID   *string
	RequestID    *string
	AgentID      *string
	MessageRole  *string
	MessageModel *string
	InputTokens  *int64
	OutputTokens *int64
	CacheCreate  *int64
	CacheRead    *int64
	TokensUsed   *int64
	CWD          *string
	GitBranch    *string
	UserType     *string
}

type cursorPayload struct {
	ComposerID            *string         `json:"composerId"`
	BubbleID              *string         `json:"bubbleId"`
	GenerationUUID        *string         `json:"generationUUID"`
	LinesAdded            *int64          `json:"linesAdded"`
	LinesRemoved          *int64          `json:"linesRemoved"`
	TokenCountUpUntilHere *int64          `json:"tokenCountUpUntilHere"`
	RelevantFiles         json.RawMessage `json:"relevantFiles"`
	CapabilitiesRan       json.RawMessage `json:"capabilitiesRan"`
	CapabilityStatuses    json.RawMessage `json:"capabilityStatuses"`
}

type claudePayload struct {
	UUID       *string `json:"uuid"`
	ParentUUID *string `json:"parentUuid"`
	RequestID  *string `json:"requestId"`
	AgentID    *string `json:"agentId"`
	CWD        *string `json:"cwd"`
	GitBranch  *string `json:"gitBranch"`
	UserType   *string `json:"userType"`
	Message    *struct {
		Role  *string `json:"role"`
		Model *string `json:"model"`
		Usage *struct {
			InputTokens              *int64 `json:"input_tokens"`
			OutputTokens             *int64 `json:"output_tokens"`
			CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// extractCursorProjection pulls the indexed scalars out of a Cursor
// payload. An unparsable payload returns the zero projection and an
// error; the caller inserts NULLs and logs, never fails the row.
func extractCursorProjection(payload []byte) (cursorProjection, error) {
	var p cursorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return cursorProjection{}, fmt.Errorf("parsing cursor payload: %w", err)
	}
	proj := cursorProjection{
		ComposerID:            p.ComposerID,
		BubbleID:              p.BubbleID,
		GenerationUUID:        p.GenerationUUID,
		LinesAdded:            p.LinesAdded,
		LinesRemoved:          p.LinesRemoved,
		TokenCountUpUntilHere: p.TokenCountUpUntilHere,
	}
	proj.RelevantFiles = rawJSONString(p.RelevantFiles)
	proj.CapabilitiesRan = rawJSONString(p.CapabilitiesRan)
	proj.CapabilityStatuses = rawJSONString(p.CapabilityStatuses)
	return proj, nil
}

// extractClaudeProjection pulls the indexed scalars out of a Claude
// transcript record.
func extractClaudeProjection(payload []byte) (claudeProjection, error) {
	var p claudePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return claudeProjection{}, fmt.Errorf("parsing claude payload: %w", err)
	}
	proj := claudeProjection{
		UUID:       p.UUID,
		ParentUUID: p.ParentUUID,
		RequestID:  p.RequestID,
		AgentID:    p.AgentID,
		CWD:        p.CWD,
		GitBranch:  p.GitBranch,
		UserType:   p.UserType,
	}
	if p.Message != nil {
		proj.MessageRole = p.Message.Role
		proj.MessageModel = p.Message.Model
		if u := p.Message.Usage; u != nil {
			proj.InputTokens = u.InputTokens
			proj.OutputTokens = u.OutputTokens
			proj.CacheCreate = u.CacheCreationInputTokens
			proj.CacheRead = u.CacheReadInputTokens
			if u.InputTokens != nil && u.OutputTokens != nil {
				total := *u.InputTokens + *u.OutputTokens
				proj.TokensUsed = &total
			}
		}
	}
	return proj, nil
}

func rawJSONString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}
