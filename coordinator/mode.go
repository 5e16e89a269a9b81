package coordinator

import (
	"fmt"

	"github.com/1aeo/exitmap-dns-health-deploy/aggregate"
)

type Mode string

const (
	ModeSingle        Mode = "single"
	ModeCrossValidate Mode = "cross-validate"
	ModeSplit         Mode = "split"
)

const MaxInstances = 16

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSingle, ModeCrossValidate, ModeSplit:
		return m, nil
	case "":
		return ModeSingle, nil
	case "cv":
		return ModeCrossValidate, nil
	}
	return "", fmt.Errorf("unknown campaign mode %q", s)
}

// ScanType is the report's name for the mode.
func (m Mode) ScanType() string {
	switch m {
	case ModeCrossValidate:
		return aggregate.ScanCrossValidate
	case ModeSplit:
		return aggregate.ScanSplit
	}
	return aggregate.ScanSingle
}

// instancePrefix names instances of the mode, e.g. "cv" for cv1_w2.
func (m Mode) instancePrefix() string {
	switch m {
	case ModeCrossValidate:
		return "cv"
	case ModeSplit:
		return "split"
	}
	return "single"
}

// needsTargets reports if the target universe must be enumerated
// before launching any instance.
func (m Mode) needsTargets(batchSize int) bool {
	return m == ModeSplit || batchSize > 0
}
