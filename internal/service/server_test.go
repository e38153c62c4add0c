package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/pkg/rpc"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Category string `json:"category"`
	} `json:"data"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func serverEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	env := newPipeline(t, []capability.Grant{
		{Action: capability.ActionToolInvoke, Target: "*"},
		{Action: capability.ActionToolList, Target: ListTarget},
	}, testPolicy())
	if err := env.registry.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return env
}

// runServer feeds input through a server bound to env's session and returns
// the decoded response lines.
func runServer(t *testing.T, env *pipelineEnv, input string) []rpcResponse {
	t.Helper()
	var out bytes.Buffer
	srv := NewServerService(env.registry, env.sess, discardLogger())
	if err := srv.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var responses []rpcResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func singleResponse(t *testing.T, env *pipelineEnv, input string) rpcResponse {
	t.Helper()
	responses := runServer(t, env, input)
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	return responses[0]
}

func TestServerDispatch(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
		if resp.Error != nil {
			t.Fatalf("error = %+v", resp.Error)
		}
		if string(resp.ID) != "1" || string(resp.Result) != "{}" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("tool call returns the handler result", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":"req-a","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`+"\n")
		if resp.Error != nil {
			t.Fatalf("error = %+v", resp.Error)
		}
		if string(resp.ID) != `"req-a"` {
			t.Errorf("ID = %s", resp.ID)
		}
		if string(resp.Result) != `"hi"` {
			t.Errorf("Result = %s", resp.Result)
		}
	})

	t.Run("tools list", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n")
		if resp.Error != nil {
			t.Fatalf("error = %+v", resp.Error)
		}
		var result struct {
			Tools []ToolInfo `json:"tools"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("result: %v", err)
		}
		if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
			t.Errorf("tools = %+v", result.Tools)
		}
	})

	t.Run("malformed json gets a parse error", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t), "this is not json\n")
		if resp.Error == nil || resp.Error.Code != rpc.CodeParseError {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":3,"method":"resources/read"}`+"\n")
		if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("tool call without a name", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"arguments":{}}}`+"\n")
		if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("denial carries the category in error data", func(t *testing.T) {
		resp := singleResponse(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"no_such_tool"}}`+"\n")
		if resp.Error == nil || resp.Error.Code != rpc.CodeRequestDenied {
			t.Fatalf("resp = %+v", resp)
		}
		if resp.Error.Data.Category != "VALIDATION_ERROR" {
			t.Errorf("category = %q", resp.Error.Data.Category)
		}
		if strings.Contains(resp.Error.Message, "no_such_tool") {
			t.Errorf("message echoes input: %q", resp.Error.Message)
		}
	})

	t.Run("notifications get no response", func(t *testing.T) {
		env := serverEnv(t)
		responses := runServer(t, env,
			`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`+"\n")
		if len(responses) != 0 {
			t.Fatalf("responses = %+v, want none", responses)
		}
		// The call still ran and was audited.
		if got := env.sink.last(t); got.Target != "echo" {
			t.Errorf("event = %+v", got)
		}
	})

	t.Run("inbound response frames are ignored", func(t *testing.T) {
		responses := runServer(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":9,"result":{}}`+"\n")
		if len(responses) != 0 {
			t.Errorf("responses = %+v, want none", responses)
		}
	})

	t.Run("blank lines are skipped", func(t *testing.T) {
		responses := runServer(t, serverEnv(t),
			"\n\n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n\n")
		if len(responses) != 1 {
			t.Errorf("responses = %d, want 1", len(responses))
		}
	})

	t.Run("loop survives a bad line between good ones", func(t *testing.T) {
		responses := runServer(t, serverEnv(t),
			`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"+
				"garbage\n"+
				`{"jsonrpc":"2.0","id":2,"method":"ping"}`+"\n")
		if len(responses) != 3 {
			t.Fatalf("responses = %d, want 3", len(responses))
		}
		if responses[1].Error == nil || responses[1].Error.Code != rpc.CodeParseError {
			t.Errorf("middle response = %+v", responses[1])
		}
	})
}
