package backtest

import "fmt"

// Readiness classifies a historical dataset's fidelity before any run
// starts. NonRepresentative aborts the run; a maker strategy on TakerOnly
// also aborts.
type Readiness string

const (
	MakerViable      Readiness = "MakerViable"
	TakerOnly        Readiness = "TakerOnly"
	NonRepresentative Readiness = "NonRepresentative"
)

// DatasetContract describes what a historical data source actually carries,
// inspected by Classify to produce a Readiness verdict. HasSnapshotsOrDeltas
// is weaker than HasIncrementalL2: it covers periodic snapshots or deltas
// that let a taker strategy reconstruct a usable book, without the full
// incremental feed a maker strategy's queue-position math needs.
type DatasetContract struct {
	HasIncrementalL2    bool
	HasSnapshotsOrDeltas bool
	HasExchangeSeq      bool
	HasTradePrints      bool
	HasRecordedArrival  bool
	HasUsableTimestamps bool
}

// Classify inspects a dataset contract and returns its Readiness plus, when
// NonRepresentative, the specific reasons (spec.md §7: "emit a structured
// reason list"). Per spec.md:122, TakerOnly covers a feed with snapshots or
// deltas (not full incremental L2) plus prints and usable timestamps;
// NonRepresentative's orderbook reason is reserved for a feed with no book
// data of any kind.
func Classify(c DatasetContract) (Readiness, []string) {
	var reasons []string
	if !c.HasTradePrints {
		reasons = append(reasons, "missing trade prints")
	}
	if !c.HasUsableTimestamps {
		reasons = append(reasons, "timestamps unusable for arrival-time ordering")
	}
	hasAnyBook := c.HasIncrementalL2 || c.HasSnapshotsOrDeltas
	if !hasAnyBook {
		reasons = append(reasons, "missing orderbook data")
	}

	if len(reasons) > 0 {
		return NonRepresentative, reasons
	}

	if c.HasIncrementalL2 && c.HasExchangeSeq && c.HasRecordedArrival {
		return MakerViable, nil
	}
	return TakerOnly, nil
}

// ErrDatasetAborted is returned when Classify's verdict forbids the
// requested run.
type ErrDatasetAborted struct {
	Readiness Readiness
	Reasons   []string
	WantMaker bool
}

func (e *ErrDatasetAborted) Error() string {
	if e.Readiness == NonRepresentative {
		return fmt.Sprintf("backtest: dataset is non-representative, reasons=%v", e.Reasons)
	}
	return "backtest: maker strategy requested on TakerOnly dataset"
}

// ValidateRun refuses a run whose strategy kind is incompatible with the
// dataset's readiness.
func ValidateRun(readiness Readiness, reasons []string, strategyIsMaker bool) error {
	if readiness == NonRepresentative {
		return &ErrDatasetAborted{Readiness: readiness, Reasons: reasons}
	}
	if readiness == TakerOnly && strategyIsMaker {
		return &ErrDatasetAborted{Readiness: readiness, WantMaker: true}
	}
	return nil
}
