// ABOUTME: Minimal echo agent for E2E testing — connects via websocket, answers tool calls.
// ABOUTME: Usage: echo-agent [-hub ws://localhost:8080/agent] [-name "Echo Agent"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/2389/agenthub/internal/envelope"
)

func main() {
	hubURL := flag.String("hub", "ws://localhost:8080/agent", "hub agent websocket URL")
	name := flag.String("name", "Echo Agent", "agent display name")
	agentID := flag.String("id", "echo-agent", "agent id")
	flag.Parse()

	if err := run(*hubURL, *name, *agentID); err != nil {
		log.Fatal(err)
	}
}

// echoArgs is the input schema for the echo skill.
type echoArgs struct {
	Text string `json:"text"`
}

func run(hubURL, name, agentID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, hubURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()

	// Close the transport when the context ends to unblock ReadMessage.
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	if err := send(ws, &envelope.Envelope{
		Type: envelope.TypeRegisterAgent,
		RegisterAgent: &envelope.RegisterAgent{
			Card: envelope.CapabilityCard{
				AgentID:     agentID,
				Name:        name,
				Description: "Echoes text back, uppercased on request",
				Skills: []envelope.Skill{
					{
						Name:        "echo",
						Description: "Echo the given text back to the caller",
						InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
					},
				},
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	fmt.Fprintf(os.Stderr, "registered as %s at %s\n", agentID, hubURL)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		env, err := envelope.Decode(data)
		if err != nil {
			log.Printf("skipping undecodable message: %v", err)
			continue
		}
		if env.Type != envelope.TypeToolRequest {
			continue
		}

		req := env.ToolRequest
		log.Printf("tool request [%s]: %s %s", req.RequestID, req.Method, req.Params.Tool)

		if err := send(ws, handle(req)); err != nil {
			return fmt.Errorf("send error: %w", err)
		}
	}
}

// handle answers one tool_request. Unknown tools and bad arguments are
// non-retryable caller errors.
func handle(req *envelope.ToolRequest) *envelope.Envelope {
	fail := func(msg string, retryable bool) *envelope.Envelope {
		return &envelope.Envelope{
			Type: envelope.TypeToolResponse,
			ToolResponse: &envelope.ToolResponse{
				RequestID: req.RequestID,
				Error: &envelope.ToolError{
					Message:   msg,
					Retryable: envelope.BoolPtr(retryable),
				},
			},
		}
	}

	if req.Method != envelope.MethodToolsCall {
		return fail("unsupported method "+req.Method, false)
	}
	if req.Params.Tool != "echo" {
		return fail("unknown tool "+req.Params.Tool, false)
	}

	var args echoArgs
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil || args.Text == "" {
		return fail("echo requires a text argument", false)
	}

	result, _ := json.Marshal(map[string]string{
		"echo": args.Text,
		"loud": strings.ToUpper(args.Text),
	})
	fragment, _ := json.Marshal(map[string]string{"text": args.Text})

	return &envelope.Envelope{
		Type: envelope.TypeToolResponse,
		ToolResponse: &envelope.ToolResponse{
			RequestID:   req.RequestID,
			Result:      result,
			UIFragments: []envelope.UIFragment{{Kind: "echo_card", Data: fragment}},
		},
	}
}

func send(ws *websocket.Conn, env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
