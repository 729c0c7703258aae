package training

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the dd-mm-YYYY HH:MM:SS stamp that opens every log line.
const TimestampLayout = "02-01-2006 15:04:05"

// Phase names a trainer pass over a data source
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseValid Phase = "valid"
)

// LogLine is one entry of the training log. Progress lines carry Images;
// end-of-phase lines carry F1 instead.
type LogLine struct {
	Time      time.Time
	Phase     Phase
	End       bool
	Epoch     int
	Images    int
	Loss      float64
	Precision float64
	Recall    float64
	F1        float64
}

// String formats the line without a trailing newline
func (l LogLine) String() string {
	stamp := l.Time.Format(TimestampLayout)
	if l.End {
		return fmt.Sprintf("%s | Phase: %s | [END] Epoch: %d | L: %.4f | P: %.4f | R: %.4f | F1: %.4f",
			stamp, l.Phase, l.Epoch, l.Loss, l.Precision, l.Recall, l.F1)
	}
	return fmt.Sprintf("%s | Phase: %s | Epoch: %d | Images: %d | L: %.4f | P: %.4f | R: %.4f",
		stamp, l.Phase, l.Epoch, l.Images, l.Loss, l.Precision, l.Recall)
}

// ParseLogLine parses either log line variant. The timestamp is read in UTC.
func ParseLogLine(s string) (LogLine, error) {
	fields := strings.Split(strings.TrimRight(s, "\r\n"), " | ")
	if len(fields) != 7 {
		return LogLine{}, fmt.Errorf("malformed log line: want 7 fields, got %d", len(fields))
	}

	var (
		line LogLine
		err  error
	)
	if line.Time, err = time.Parse(TimestampLayout, fields[0]); err != nil {
		return LogLine{}, fmt.Errorf("malformed log timestamp: %w", err)
	}

	phase, ok := strings.CutPrefix(fields[1], "Phase: ")
	if !ok || (phase != string(PhaseTrain) && phase != string(PhaseValid)) {
		return LogLine{}, fmt.Errorf("malformed phase field %q", fields[1])
	}
	line.Phase = Phase(phase)

	epoch := fields[2]
	if rest, ok := strings.CutPrefix(epoch, "[END] "); ok {
		line.End = true
		epoch = rest
	}
	if line.Epoch, err = intField(epoch, "Epoch"); err != nil {
		return LogLine{}, err
	}

	metrics := fields[3:]
	if line.End {
		if line.F1, err = floatField(metrics[3], "F1"); err != nil {
			return LogLine{}, err
		}
	} else {
		if line.Images, err = intField(metrics[0], "Images"); err != nil {
			return LogLine{}, err
		}
		metrics = metrics[1:]
	}

	if line.Loss, err = floatField(metrics[0], "L"); err != nil {
		return LogLine{}, err
	}
	if line.Precision, err = floatField(metrics[1], "P"); err != nil {
		return LogLine{}, err
	}
	if line.Recall, err = floatField(metrics[2], "R"); err != nil {
		return LogLine{}, err
	}
	return line, nil
}

func intField(field, name string) (int, error) {
	v, ok := strings.CutPrefix(field, name+": ")
	if !ok {
		return 0, fmt.Errorf("expected %s field, got %q", name, field)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("malformed %s value: %w", name, err)
	}
	return n, nil
}

func floatField(field, name string) (float64, error) {
	v, ok := strings.CutPrefix(field, name+": ")
	if !ok {
		return 0, fmt.Errorf("expected %s field, got %q", name, field)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s value: %w", name, err)
	}
	return f, nil
}
