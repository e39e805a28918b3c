package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send TYPE [PAYLOAD_JSON]",
		Short: "Send one envelope to a running instance and print the answer",
		Example: `  ytgifyd send PING
  ytgifyd send GET_JOB_STATUS '{"job_id":"0190..."}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := entity.Envelope{
				ID:   uuid.NewString(),
				Type: strings.ToUpper(args[0]),
			}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				env.Payload = json.RawMessage(args[1])
			}

			client := &http.Client{Timeout: timeout}
			resp, err := sendEnvelope(client, addr, env)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("format response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if !resp.Success {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8083", "Base URL of the running instance")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "How long to wait for the answer")
	return cmd
}

func sendEnvelope(client *http.Client, addr string, env entity.Envelope) (*entity.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	res, err := client.Post(strings.TrimRight(addr, "/")+"/v1/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("post envelope: %w", err)
	}
	defer res.Body.Close()

	var resp entity.Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", res.StatusCode, err)
	}
	if resp.Error == nil && !resp.Success {
		return nil, fmt.Errorf("unexpected response (status %d)", res.StatusCode)
	}
	return &resp, nil
}
