// ABOUTME: Terminal watcher that streams workflow progress from pinn-gateway
// ABOUTME: Usage: pinn-watch [-addr 127.0.0.1:8090] [-submit NAME -domain heat_transfer] [workflow-id ...]
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"

	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
	"github.com/khiwniti/pinn-enterprise-platform/internal/wsclient"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8090", "gateway HTTP address")
	token := flag.String("token", os.Getenv("PINN_TOKEN"), "API token (defaults to $PINN_TOKEN)")
	format := flag.String("format", "json", "wire format: json or msgpack")
	submit := flag.String("submit", "", "submit a new workflow with this name and watch it")
	domain := flag.String("domain", "heat_transfer", "physics domain for -submit")
	complexity := flag.String("complexity", "intermediate", "complexity level for -submit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ids := flag.Args()
	if *submit != "" {
		id, err := submitWorkflow(ctx, *addr, *token, *submit, *domain, *complexity)
		if err != nil {
			log.Fatal(err)
		}
		color.Green("submitted %s", id)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to watch: pass workflow ids or -submit NAME")
		os.Exit(2)
	}

	if err := watch(ctx, "ws://"+*addr+"/ws", *token, *format, ids); err != nil {
		log.Fatal(err)
	}
}

func submitWorkflow(ctx context.Context, addr, token, name, domain, complexity string) (string, error) {
	body, err := sonic.Marshal(map[string]string{
		"name":             name,
		"domain_type":      domain,
		"complexity_level": complexity,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/api/workflows", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting workflow: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submit failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out struct {
		Workflow struct {
			ID string `json:"id"`
		} `json:"workflow"`
	}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	return out.Workflow.ID, nil
}

func watch(ctx context.Context, url, token, format string, ids []string) error {
	c, err := wsclient.Dial(ctx, url, wsclient.Options{Format: format, Token: token})
	if err != nil {
		return err
	}
	defer c.Close()
	context.AfterFunc(ctx, func() { c.Close() })

	for _, id := range ids {
		if err := c.Subscribe(id); err != nil {
			return fmt.Errorf("subscribing to %s: %w", id, err)
		}
	}

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	for len(pending) > 0 {
		msg, err := c.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("gateway closed the connection")
			}
			return err
		}
		render(msg)
		if msg.Type == protocol.TypeWorkflowTerminal {
			delete(pending, msg.Payload.WorkflowID)
		}
		if msg.Type == protocol.TypeError && pending[msg.Payload.WorkflowID] {
			delete(pending, msg.Payload.WorkflowID)
		}
	}
	return nil
}

var (
	gray   = color.New(color.FgHiBlack)
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow)
)

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func render(msg *protocol.Message) {
	p := msg.Payload
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	gray.Printf("%s ", ts.Local().Format("15:04:05"))

	switch msg.Type {
	case protocol.TypeConnectionEstablished:
		fmt.Printf("connected as %s\n", p.SessionID)
	case protocol.TypeSubscriptionConfirmed:
		fmt.Printf("watching %s\n", short(p.WorkflowID))
	case protocol.TypeWorkflowProgress:
		cyan.Printf("%s ", short(p.WorkflowID))
		fmt.Printf("%-10s %s", p.Step, bar(p.Progress))
		if p.EstimatedRemainingSeconds != nil {
			gray.Printf("  ~%s left", (time.Duration(*p.EstimatedRemainingSeconds) * time.Second).String())
		}
		if p.Snapshot {
			gray.Print(" (snapshot)")
		}
		fmt.Println()
	case protocol.TypeTrainingMetrics:
		cyan.Printf("%s ", short(p.WorkflowID))
		if m := p.Metrics; m != nil {
			fmt.Printf("epoch %d accuracy %.3f loss %.4f convergence %.2f\n", m.Epoch, m.Accuracy, m.Loss, m.Convergence)
		} else {
			fmt.Println("metrics")
		}
	case protocol.TypeStepCompleted:
		cyan.Printf("%s ", short(p.WorkflowID))
		green.Printf("✓ %s", p.Step)
		if p.DurationMs != nil {
			gray.Printf(" %s", (time.Duration(*p.DurationMs) * time.Millisecond).String())
		}
		fmt.Println()
	case protocol.TypeWorkflowTerminal:
		cyan.Printf("%s ", short(p.WorkflowID))
		if p.ErrorMessage != "" {
			red.Printf("%s: %s\n", p.Status, p.ErrorMessage)
		} else {
			green.Printf("%s\n", p.Status)
		}
	case protocol.TypeError:
		yellow.Printf("error %s %s\n", short(p.WorkflowID), p.Message)
	default:
		fmt.Println(msg.Type)
	}
}

func bar(progress *float64) string {
	if progress == nil {
		return ""
	}
	const width = 30
	filled := int(*progress / 100 * width)
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %5.1f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), *progress)
}
