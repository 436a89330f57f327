package models

import "encoding/json"

// ── JSON-RPC Types ──────────────────────────────────────────

// Request is a JSON-RPC 2.0 call. A request without an ID is a notification.
type Request struct {
	Jsonrpc string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// IsNotification reports whether the caller expects no reply.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a JSON-RPC 2.0 reply. Exactly one of Result or Error is set.
type Response struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ToolInfo describes a tool in tools/list.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ToolCallParams are the params of tool.invoke and tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the result of a tool invocation. Failures the caller should
// read as information come back with IsError set, not as an RPCError.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one block of tool or resource output.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ResourceInfo describes a readable resource in resources/list.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

// ResourceReadParams are the params of resources/read.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceContents is the result of resources/read.
type ResourceContents struct {
	Contents []Content `json:"contents"`
}

// StoreQueryParams are the params of store.query and the query_store tool.
// Domain may be "all" to fan out across every registered domain.
type StoreQueryParams struct {
	Domain    string `json:"domain"`
	QueryType string `json:"query_type"`
	Limit     *int   `json:"limit,omitempty"`
	Model     string `json:"model,omitempty"`
}
