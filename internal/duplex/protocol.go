// Package duplex implements the loopback WebSocket channel between
// mailmap and its companion Thunderbird MailExtension. The server
// both answers queries the extension sends it and issues action
// requests of its own (move, copy, folder management) that only the
// extension can execute against the live Thunderbird mail store.
package duplex

import "encoding/json"

// Action names mailmap may send to the extension.
const (
	ActionMoveMessages   = "moveMessages"
	ActionCopyMessages   = "copyMessages"
	ActionDeleteMessages = "deleteMessages"
	ActionListFolders    = "listFolders"
	ActionListAccounts   = "listAccounts"
	ActionGetMessage     = "getMessage"
	ActionTagMessages    = "tagMessages"
	ActionCreateFolder   = "createFolder"
	ActionRenameFolder   = "renameFolder"
	ActionDeleteFolder   = "deleteFolder"
	ActionPing           = "ping"
)

// Event names mailmap broadcasts to connected extensions.
const (
	EventEmailClassified = "emailClassified"
	EventFolderUpdated   = "folderUpdated"
	EventBatchComplete   = "batchComplete"
	EventConnected       = "connected"
)

// Request is a command, originating from either side of the channel,
// naming an action and its parameters.
type Request struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Token  string         `json:"token,omitempty"`
}

// Response answers a Request by ID. Result is present only when OK is
// true; Error is present only when OK is false, matching the
// companion extension's parser.
type Response struct {
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// SuccessResponse builds an ok Response carrying result.
func SuccessResponse(id string, result map[string]any) Response {
	return Response{ID: id, OK: true, Result: result}
}

// FailureResponse builds a not-ok Response carrying an error message.
func FailureResponse(id, errMsg string) Response {
	return Response{ID: id, OK: false, Error: errMsg}
}

// ServerEvent is an unsolicited notification pushed to clients.
type ServerEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// inbound is the subset of fields needed to tell a Request from a
// Response from raw JSON before fully decoding either.
type inbound struct {
	Action *string `json:"action"`
	OK     *bool   `json:"ok"`
}

// ParseMessage dispatches a raw text frame to a *Request or
// *Response. It returns (nil, nil, nil) when raw matches neither
// shape.
func ParseMessage(raw []byte) (*Request, *Response, error) {
	var probe inbound
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, err
	}

	switch {
	case probe.Action != nil:
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, err
		}
		return &req, nil, nil
	case probe.OK != nil:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, nil, err
		}
		return nil, &resp, nil
	default:
		return nil, nil, nil
	}
}
