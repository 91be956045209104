package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
	"github.com/kylesnowschwartz/hgnucomb-sub001/pkg/protocol"
)

const toolCallTimeout = 60 * time.Second

var toolCmd = &cobra.Command{
	Use:   "tool <kind>",
	Short: "Send one tool call to the hub (agent-side)",
	Long: `Send a single request over the tool-call channel and print the response
payload as JSON. Intended to be invoked by a spawned agent; the connection
details come from the tool config file named by ` + config.EnvToolConfig + `.`,
	Args: cobra.ExactArgs(1),
	RunE: runTool,
}

func init() {
	toolCmd.Flags().String("data", "", "Request payload as raw JSON")
	rootCmd.AddCommand(toolCmd)
}

func runTool(cmd *cobra.Command, args []string) error {
	kind := args[0]
	if !protocol.KnownRequestKind(kind) {
		return fmt.Errorf("unknown request kind %q", kind)
	}

	agentID, busAddr, err := toolIdentity()
	if err != nil {
		return err
	}

	var payload json.RawMessage
	if data, _ := cmd.Flags().GetString("data"); data != "" {
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		payload = json.RawMessage(data)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), toolCallTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+busAddr+"/ws/agent", nil)
	if err != nil {
		return fmt.Errorf("connecting to hub at %s: %w", busAddr, err)
	}
	defer ws.CloseNow()

	if _, err := call(ctx, ws, protocol.KindRegister, protocol.RegisterParams{AgentID: agentID}); err != nil {
		return fmt.Errorf("registering channel: %w", err)
	}

	resp, err := call(ctx, ws, kind, payload)
	if err != nil {
		return err
	}
	if len(resp.Payload) > 0 {
		fmt.Println(string(resp.Payload))
	}
	ws.Close(websocket.StatusNormalClosure, "")
	return nil
}

// toolIdentity resolves the agent's identity and the hub address, preferring
// the tool config file and falling back to plain env vars.
func toolIdentity() (agentID, busAddr string, err error) {
	if path := os.Getenv(config.EnvToolConfig); path != "" {
		tc, err := config.LoadToolConfig(path)
		if err != nil {
			return "", "", fmt.Errorf("reading tool config: %w", err)
		}
		return tc.AgentID, tc.BusAddr, nil
	}
	agentID = os.Getenv(config.EnvAgentID)
	busAddr = os.Getenv(config.EnvBusAddr)
	if agentID == "" || busAddr == "" {
		return "", "", fmt.Errorf("not inside an agent session: %s or %s/%s must be set",
			config.EnvToolConfig, config.EnvAgentID, config.EnvBusAddr)
	}
	return agentID, busAddr, nil
}

// call sends one request and blocks for its response, skipping any
// notifications that arrive in between.
func call(ctx context.Context, ws *websocket.Conn, kind string, payload any) (*protocol.Envelope, error) {
	req, err := protocol.NewRequest(uuid.New().String(), kind, payload)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, err
	}

	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			return nil, err
		}
		if env.Type != protocol.TypeResponse || env.ID != req.ID {
			continue
		}
		if env.OK != nil && !*env.OK {
			return nil, fmt.Errorf("%s failed: %s", kind, env.Error)
		}
		return env, nil
	}
}
