package extract

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/width"

	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/resilience"
)

// rawRow is what the page script returns for one machine number. Numbers are
// left as displayed text and parsed here.
type rawRow struct {
	MachineNumber string `json:"machine_number"`
	Diff          string `json:"diff"`
	Games         string `json:"games"`
	Big           string `json:"big"`
	Reg           string `json:"reg"`
	CombinedRate  string `json:"combined_rate"`
	Graph         []int  `json:"graph"`
}

var signReplacer = strings.NewReplacer(
	",", "",
	"枚", "",
	"−", "-",
	"‐", "-",
	"▲", "-",
)

// cleanNumber parses a displayed count such as "+1,234", "－５６" or "▲300".
// Full-width digits and signs are folded first. An empty cell is zero.
func cleanNumber(s string) (int, error) {
	s = strings.TrimSpace(width.Narrow.String(s))
	s = signReplacer.Replace(s)
	s = strings.TrimPrefix(s, "+")
	if s == "" || s == "-" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, eris.Wrapf(resilience.ErrParse, "extract: number %q", s)
	}
	return n, nil
}

// swing returns the largest rise above a running minimum and the largest fall
// below a running maximum over a cumulative payout graph. Without samples both are 0.
func swing(samples []int) (maxSwing, maxDrawdown int) {
	if len(samples) == 0 {
		return 0, 0
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		if v-lo > maxSwing {
			maxSwing = v - lo
		}
		if hi-v > maxDrawdown {
			maxDrawdown = hi - v
		}
	}
	return maxSwing, maxDrawdown
}

// parseMachineRows decodes the page script output for one machine model.
func parseMachineRows(payload, date string, venue model.Venue, machine, source string, now time.Time) ([]model.StagingRow, error) {
	var raws []rawRow
	if err := json.Unmarshal([]byte(payload), &raws); err != nil {
		return nil, eris.Wrapf(resilience.ErrParse, "extract: decode rows for %s: %v", machine, err)
	}

	rows := make([]model.StagingRow, 0, len(raws))
	seen := make(map[int]bool, len(raws))
	for _, raw := range raws {
		row, err := parseRow(raw, date, venue, machine, source, now)
		if err != nil {
			return nil, err
		}
		if seen[row.MachineNumber] {
			continue
		}
		seen[row.MachineNumber] = true
		rows = append(rows, row)
	}
	return rows, nil
}

type numericField struct {
	text string
	dst  *int
}

func parseRow(raw rawRow, date string, venue model.Venue, machine, source string, now time.Time) (model.StagingRow, error) {
	number, err := cleanNumber(raw.MachineNumber)
	if err != nil {
		return model.StagingRow{}, err
	}
	if number <= 0 {
		return model.StagingRow{}, eris.Wrapf(resilience.ErrParse, "extract: machine number %q", raw.MachineNumber)
	}

	row := model.StagingRow{
		Date:          date,
		Venue:         venue.Name,
		Machine:       machine,
		MachineNumber: number,
		CombinedRate:  strings.TrimSpace(width.Narrow.String(raw.CombinedRate)),
		Source:        source,
		InsertedAt:    now.UTC(),
	}
	fields := []numericField{
		{raw.Diff, &row.Diff},
		{raw.Games, &row.Games},
		{raw.Big, &row.Big},
		{raw.Reg, &row.Reg},
	}
	for _, f := range fields {
		v, err := cleanNumber(f.text)
		if err != nil {
			return model.StagingRow{}, eris.Wrapf(err, "extract: machine %d", number)
		}
		*f.dst = v
	}

	row.MaxSwing, row.MaxDrawdown = swing(raw.Graph)
	row.Normalize()
	return row, nil
}

func parseMachineList(payload string) ([]Machine, error) {
	var machines []Machine
	if err := json.Unmarshal([]byte(payload), &machines); err != nil {
		return nil, eris.Wrapf(resilience.ErrParse, "extract: decode machine list: %v", err)
	}
	out := machines[:0]
	seen := make(map[string]bool, len(machines))
	for _, m := range machines {
		m.Name = strings.TrimSpace(m.Name)
		if m.Encoded == "" || seen[m.Encoded] {
			continue
		}
		seen[m.Encoded] = true
		out = append(out, m)
	}
	return out, nil
}
