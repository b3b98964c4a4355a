package backtest

import "testing"

func TestClassify_MakerViableRequiresFullIncrementalL2(t *testing.T) {
	readiness, reasons := Classify(DatasetContract{
		HasIncrementalL2:    true,
		HasExchangeSeq:      true,
		HasTradePrints:      true,
		HasRecordedArrival:  true,
		HasUsableTimestamps: true,
	})
	if readiness != MakerViable {
		t.Fatalf("expected MakerViable, got %s (reasons=%v)", readiness, reasons)
	}
	if reasons != nil {
		t.Fatalf("expected no reasons for a MakerViable verdict, got %v", reasons)
	}
}

func TestClassify_SnapshotsOrDeltasWithoutFullL2IsTakerOnly(t *testing.T) {
	readiness, reasons := Classify(DatasetContract{
		HasSnapshotsOrDeltas: true,
		HasTradePrints:       true,
		HasUsableTimestamps:  true,
	})
	if readiness != TakerOnly {
		t.Fatalf("expected TakerOnly for a snapshot/delta feed with no full L2, got %s (reasons=%v)", readiness, reasons)
	}
}

func TestClassify_FullL2MissingExchangeSeqIsTakerOnly(t *testing.T) {
	readiness, _ := Classify(DatasetContract{
		HasIncrementalL2:    true,
		HasTradePrints:      true,
		HasRecordedArrival:  true,
		HasUsableTimestamps: true,
	})
	if readiness != TakerOnly {
		t.Fatalf("expected TakerOnly when exchange seq is missing despite full L2, got %s", readiness)
	}
}

func TestClassify_NoBookDataAtAllIsNonRepresentative(t *testing.T) {
	readiness, reasons := Classify(DatasetContract{
		HasTradePrints:      true,
		HasUsableTimestamps: true,
	})
	if readiness != NonRepresentative {
		t.Fatalf("expected NonRepresentative when no book data exists at all, got %s", readiness)
	}
	found := false
	for _, r := range reasons {
		if r == "missing orderbook data" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'missing orderbook data' among reasons, got %v", reasons)
	}
}

func TestClassify_MissingPrintsOrTimestampsIsNonRepresentativeRegardlessOfBook(t *testing.T) {
	readiness, reasons := Classify(DatasetContract{
		HasIncrementalL2:    true,
		HasExchangeSeq:      true,
		HasRecordedArrival:  true,
		HasUsableTimestamps: false,
	})
	if readiness != NonRepresentative {
		t.Fatalf("expected NonRepresentative when timestamps are unusable, got %s", readiness)
	}
	if len(reasons) != 2 {
		t.Fatalf("expected reasons for both missing prints and unusable timestamps, got %v", reasons)
	}
}

func TestValidateRun_RefusesMakerStrategyOnTakerOnlyDataset(t *testing.T) {
	readiness, _ := Classify(DatasetContract{
		HasSnapshotsOrDeltas: true,
		HasTradePrints:       true,
		HasUsableTimestamps:  true,
	})
	if err := ValidateRun(readiness, nil, true); err == nil {
		t.Fatal("expected ValidateRun to refuse a maker strategy on a TakerOnly dataset")
	}
	if err := ValidateRun(readiness, nil, false); err != nil {
		t.Fatalf("expected a taker strategy to be admitted on a TakerOnly dataset, got %v", err)
	}
}

func TestValidateRun_AlwaysRefusesNonRepresentative(t *testing.T) {
	readiness, reasons := Classify(DatasetContract{})
	if err := ValidateRun(readiness, reasons, false); err == nil {
		t.Fatal("expected ValidateRun to refuse any strategy on a NonRepresentative dataset")
	}
}
