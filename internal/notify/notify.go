// Package notify posts run completion reports to an external status
// endpoint, authenticated with OAuth2 client credentials. Delivery is best
// effort: a failed report is logged, never retried by the core.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/platform/env"
)

type Config struct {
	ReportURL    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONVEYOR_NOTIFY_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ReportURL:    env.String("CONVEYOR_NOTIFY_URL", ""),
		TokenURL:     env.String("CONVEYOR_NOTIFY_TOKEN_URL", ""),
		ClientID:     env.String("CONVEYOR_NOTIFY_CLIENT_ID", ""),
		ClientSecret: env.String("CONVEYOR_NOTIFY_CLIENT_SECRET", ""),
		Timeout:      timeout,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a report endpoint is configured at all.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ReportURL) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ReportURL) == "" {
		return errors.New("report url is required")
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		return errors.New("token url is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return errors.New("client secret is required")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Notifier posts one report per completed run.
type Notifier struct {
	logger    *slog.Logger
	reportURL string
	client    *http.Client
}

// New builds a notifier. ctx scopes the token refresh client for the
// notifier's lifetime.
func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Notifier, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	client := cc.Client(ctx)
	client.Timeout = cfg.Timeout
	return &Notifier{
		logger:    logger,
		reportURL: strings.TrimSpace(cfg.ReportURL),
		client:    client,
	}, nil
}

type runReport struct {
	RunID      string      `json:"run_id"`
	Pipeline   string      `json:"pipeline"`
	Ref        string      `json:"ref"`
	RefKind    string      `json:"ref_kind"`
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Jobs       []jobReport `json:"jobs"`
}

type jobReport struct {
	Name     string `json:"name"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

// RunCompleted posts the run's final status table.
func (n *Notifier) RunCompleted(ctx context.Context, run domain.PipelineRun) {
	report := runReport{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Ref:        run.Ref.Name,
		RefKind:    string(run.Ref.Kind),
		Status:     string(run.Status),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, exec := range run.Executions() {
		report.Jobs = append(report.Jobs, jobReport{
			Name:     exec.JobName,
			Stage:    exec.Stage,
			Status:   string(exec.Status),
			ExitCode: exec.ExitCode,
			Reason:   exec.Reason,
		})
	}

	if err := n.post(ctx, report); err != nil {
		n.logger.Error("status report failed", "run_id", run.ID, "error", err)
		return
	}
	n.logger.Info("status report delivered", "run_id", run.ID, "status", report.Status)
}

func (n *Notifier) post(ctx context.Context, report runReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.reportURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
