package telemetry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"RegimeTrader/internal/domain/models"
)

// Version is stamped on every event.
const Version = "1.0"

// TelemetryError describes a batch the collector did not accept.
type TelemetryError struct {
	Sink     string
	Kind     models.TelemetryKind
	Accepted int
	Total    int
	Err      error
}

func (e *TelemetryError) Error() string {
	return fmt.Sprintf("telemetry %s: %d/%d accepted (kind %s): %v", e.Sink, e.Accepted, e.Total, e.Kind, e.Err)
}

func (e *TelemetryError) Unwrap() error { return e.Err }

// LoadOrCreateNodeID returns the anonymous node identity stored at path,
// creating it on first use. The identity is QC_ followed by 12 upper-case hex characters.
func LoadOrCreateNodeID(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); validNodeID(id) {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read node id: %w", err)
	}

	id := NewNodeID()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create node id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("write node id: %w", err)
	}
	return id, nil
}

func NewNodeID() string {
	hexID := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "QC_" + strings.ToUpper(hexID[:12])
}

func validNodeID(id string) bool {
	if len(id) != 15 || !strings.HasPrefix(id, "QC_") {
		return false
	}
	_, err := hex.DecodeString(id[3:])
	return err == nil
}

// SigHash is the dedup key the collector uses: md5(node:symbol:timestamp), first 16 hex chars.
func SigHash(nodeID, symbol string, ts time.Time) string {
	sum := md5.Sum([]byte(nodeID + ":" + symbol + ":" + ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:16]
}

func EntropyEvent(m models.EntropyMetric, regime models.Regime, price float64) models.TelemetryEvent {
	return models.TelemetryEvent{
		Kind:      models.KindEntropy,
		Symbol:    m.Symbol,
		Ratio:     m.Ratio,
		Entropy:   m.Entropy,
		Regime:    regime,
		Price:     price,
		Timestamp: m.Timestamp,
	}
}

func RegimeChangeEvent(ch models.RegimeChange) models.TelemetryEvent {
	return models.TelemetryEvent{
		Kind:       models.KindRegimeChange,
		Symbol:     ch.Symbol,
		Ratio:      ch.Ratio,
		Regime:     ch.To,
		PrevRegime: ch.From,
		Timestamp:  ch.Timestamp,
	}
}

func SignalEvent(sig models.Signal, m models.EntropyMetric) models.TelemetryEvent {
	return models.TelemetryEvent{
		Kind:       models.KindSignal,
		Symbol:     sig.Symbol,
		Ratio:      m.Ratio,
		Entropy:    m.Entropy,
		Regime:     sig.Regime,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Price:      sig.Price,
		Timestamp:  sig.Timestamp,
	}
}

func OutcomeEvent(out models.Outcome) models.TelemetryEvent {
	return models.TelemetryEvent{
		Kind:       models.KindOutcome,
		Symbol:     out.Symbol,
		Direction:  out.Direction,
		Outcome:    out.Result,
		PnL:        out.PnL,
		EntryPrice: out.EntryPrice,
		ExitPrice:  out.ExitPrice,
		Ticket:     out.Ticket,
		Timestamp:  out.ClosedAt,
	}
}

// endpoint maps an event kind to its collector route.
func endpoint(kind models.TelemetryKind) string {
	switch kind {
	case models.KindOutcome:
		return "/outcome"
	case models.KindEntropy, models.KindRegimeChange:
		return "/entropy"
	default:
		return "/signal"
	}
}
