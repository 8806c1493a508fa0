package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"market_intel/config"
	"market_intel/models"
	"market_intel/storage"
)

// ClusterSubstrate hands the whole pipeline to an external job-execution
// cluster. The remote worker runs this binary with -run-job against the
// shared store; locally only the run id is tracked and watched.
type ClusterSubstrate struct {
	cfg    config.ClusterConfig
	client *http.Client
	store  storage.Store
	ctx    context.Context
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewClusterSubstrate(ctx context.Context, cfg config.ClusterConfig, client *http.Client, store storage.Store) *ClusterSubstrate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Hour
	}
	return &ClusterSubstrate{
		cfg:    cfg,
		client: client,
		store:  store,
		ctx:    ctx,
		now:    time.Now,
	}
}

func (s *ClusterSubstrate) Name() string {
	return "cluster"
}

func (s *ClusterSubstrate) Launch(ctx context.Context, job *models.ScrapeJob) error {
	runID, err := s.startRun(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("start cluster run: %w", err)
	}
	log.Info().Str("job_id", job.ID).Str("run_id", runID).Msg("Cluster run started")

	if err := s.store.SetExternalRunID(ctx, job.ID, runID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record cluster run id")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(job.ID, runID)
	}()
	return nil
}

// Wait blocks until every watcher has returned.
func (s *ClusterSubstrate) Wait() {
	s.wg.Wait()
}

func (s *ClusterSubstrate) startRun(ctx context.Context, jobID string) (string, error) {
	input := map[string]any{
		"image": s.cfg.Image,
		"args":  []string{"-run-job", jobID},
	}
	body, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("/v1/runs"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cluster start run failed %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode run: %w", err)
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("cluster returned no run id")
	}
	return result.Data.ID, nil
}

// watch polls the remote run until it ends. Once the run is over the job must
// be terminal; anything the remote worker left active is failed.
func (s *ClusterSubstrate) watch(jobID, runID string) {
	ctx := s.ctx
	deadline := s.now().Add(s.cfg.PollTimeout)

	for s.now().Before(deadline) {
		if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
			return
		}

		status, err := s.runStatus(ctx, runID)
		if err != nil {
			log.Debug().Err(err).Str("run_id", runID).Msg("Cluster run poll failed")
			continue
		}

		switch status {
		case "SUCCEEDED":
			s.failJob(ctx, jobID, "Cluster run "+runID+" ended without finishing the job")
			return
		case "FAILED", "ABORTED", "TIMED-OUT":
			s.failJob(ctx, jobID, fmt.Sprintf("Cluster run %s ended %s", runID, status))
			return
		}

		job, err := s.store.GetJob(ctx, jobID)
		if err == nil && job != nil && job.Status.IsTerminal() {
			return
		}
	}

	s.failJob(ctx, jobID, fmt.Sprintf("Cluster run %s did not finish within %s", runID, s.cfg.PollTimeout))
}

func (s *ClusterSubstrate) runStatus(ctx context.Context, runID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url("/v1/runs/"+runID), nil)
	if err != nil {
		return "", err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cluster run status %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Status, nil
}

// failJob is a no-op for a job that is already terminal.
func (s *ClusterSubstrate) failJob(ctx context.Context, jobID, message string) {
	job, err := s.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err == nil && job != nil && job.Status.IsTerminal() {
		return
	}
	log.Warn().Str("job_id", jobID).Msg(message)
	if err := failActiveJob(context.WithoutCancel(ctx), s.store, jobID, message, s.now()); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record cluster run failure")
	}
}

func (s *ClusterSubstrate) url(path string) string {
	return strings.TrimRight(s.cfg.APIURL, "/") + path
}

func (s *ClusterSubstrate) authorize(req *http.Request) {
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
}
