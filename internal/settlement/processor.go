package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
)

// Processor consumes settlement:apply tasks and applies each event at most once.
type Processor struct {
	Ledger  Ledger
	Applier payment.SettlementHandler
	Logger  zerolog.Logger
}

// Register mounts the processor on mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeApply, p.ProcessTask)
}

// ProcessTask implements asynq.HandlerFunc. Undecodable payloads are not retried.
func (p *Processor) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var evt payment.SettlementEvent
	if err := json.Unmarshal(task.Payload(), &evt); err != nil {
		p.Logger.Error().Err(err).Msg("settlement_payload_invalid")
		return fmt.Errorf("settlement: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if evt.Provider == "" || evt.Reference == "" || evt.Outcome == "" {
		p.Logger.Error().Str("reference", evt.Reference).Msg("settlement_event_incomplete")
		return fmt.Errorf("settlement: incomplete event: %w", asynq.SkipRetry)
	}
	return p.apply(ctx, evt)
}

func (p *Processor) apply(ctx context.Context, evt payment.SettlementEvent) error {
	if p.Ledger == nil || p.Applier == nil {
		return errors.New("settlement: processor not configured")
	}
	log := p.Logger.With().
		Str("provider", string(evt.Provider)).
		Str("reference", evt.Reference).
		Str("outcome", string(evt.Outcome)).
		Logger()

	first, err := p.Ledger.Claim(ctx, evt)
	if err != nil {
		obs.CountSettlement(string(evt.Provider), string(evt.Outcome), "error")
		return fmt.Errorf("settlement: claim: %w", err)
	}
	if !first {
		obs.CountSettlement(string(evt.Provider), string(evt.Outcome), "duplicate")
		log.Info().Msg("settlement_duplicate_skipped")
		return nil
	}
	if err := p.Applier.ApplySettlement(ctx, evt); err != nil {
		if relErr := p.Ledger.Release(ctx, evt); relErr != nil {
			log.Error().Err(relErr).Msg("settlement_release_failed")
		}
		obs.CountSettlement(string(evt.Provider), string(evt.Outcome), "failed")
		log.Error().Err(err).Msg("settlement_apply_failed")
		return err
	}
	obs.CountSettlement(string(evt.Provider), string(evt.Outcome), "applied")
	log.Info().Msg("settlement_applied")
	return nil
}
