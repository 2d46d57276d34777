package extract

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
	"github.com/sells-group/hallsync/internal/metrics"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/resilience"
)

// SourceSlorepo is the source tag written on rows read from slorepo.
const SourceSlorepo = "slorepo"

const machineListScript = `() => JSON.stringify(
	Array.from(document.querySelectorAll('a[href*="kishu/?kishu="]')).map(a => ({
		name: a.textContent.trim(),
		encoded: (a.getAttribute('href').split('kishu/?kishu=')[1] || '').trim(),
	}))
)`

// machineRowsScript reads the per-unit blocks (with graph samples) and then the
// summary table, which wins for the numbers when both list a unit.
const machineRowsScript = `() => {
	const rows = [];
	const byNumber = {};
	const pick = (cells, headers, name) => {
		const i = headers.indexOf(name);
		return i >= 0 && cells[i] ? cells[i].textContent.trim() : '';
	};
	document.querySelectorAll('.wp-block-column.is-vertically-aligned-top').forEach(div => {
		const label = div.querySelector('p.has-text-align-center strong font');
		const table = div.querySelector('table tbody');
		if (!label || !table) return;
		let graph = [];
		div.querySelectorAll('script').forEach(s => {
			const m = s.textContent.match(/data:\s*\[([^\]]*)\]/);
			if (m && m[1]) graph = m[1].split(',').map(v => parseInt(v.trim(), 10)).filter(v => !isNaN(v));
		});
		const trs = table.querySelectorAll('tr');
		if (trs.length < 2) return;
		const headers = Array.from(trs[0].querySelectorAll('th')).map(th => th.textContent.trim());
		const cells = trs[1].querySelectorAll('td');
		if (cells.length !== headers.length) return;
		const row = {
			machine_number: label.textContent.trim(),
			diff: pick(cells, headers, '差枚'),
			games: pick(cells, headers, 'G数'),
			big: pick(cells, headers, 'BB'),
			reg: pick(cells, headers, 'RB'),
			combined_rate: pick(cells, headers, '合成'),
			graph: graph,
		};
		byNumber[row.machine_number] = row;
		rows.push(row);
	});
	const required = ['台番', '差枚', 'G数', 'BB', 'RB', '合成'];
	document.querySelectorAll('table.table2').forEach(table => {
		const headers = Array.from(table.querySelectorAll('th')).map(th => th.textContent.trim());
		if (!required.every(h => headers.includes(h))) return;
		const body = table.querySelector('tbody');
		if (!body) return;
		body.querySelectorAll('tr').forEach(tr => {
			const cells = tr.querySelectorAll('td');
			if (cells.length === 0 || cells[0].textContent.trim() === '平均') return;
			const number = pick(cells, headers, '台番');
			const values = {
				diff: pick(cells, headers, '差枚'),
				games: pick(cells, headers, 'G数'),
				big: pick(cells, headers, 'BB'),
				reg: pick(cells, headers, 'RB'),
				combined_rate: pick(cells, headers, '合成'),
			};
			if (byNumber[number]) {
				Object.assign(byNumber[number], values);
			} else {
				const row = Object.assign({ machine_number: number, graph: [] }, values);
				byNumber[number] = row;
				rows.push(row);
			}
		});
	});
	return JSON.stringify(rows);
}`

// SlorepoConfig configures the slorepo extractor.
type SlorepoConfig struct {
	BaseURL      string
	Interval     time.Duration
	ProbeTimeout time.Duration
	Source       string
	Breaker      resilience.BreakerConfig
}

// SlorepoConfigFrom maps application configuration onto extractor settings.
func SlorepoConfigFrom(cfg config.ExtractorConfig, source string) SlorepoConfig {
	return SlorepoConfig{
		BaseURL:      cfg.BaseURL,
		Interval:     time.Duration(cfg.IntervalMs) * time.Millisecond,
		ProbeTimeout: time.Duration(cfg.ProbeTimeoutSecs) * time.Second,
		Source:       source,
		Breaker: resilience.BreakerConfig{
			Name:             "slorepo",
			FailureThreshold: cfg.BreakerFailures,
			ResetTimeout:     time.Duration(cfg.BreakerResetSecs) * time.Second,
		},
	}
}

// Slorepo extracts venue data from slorepo pages through a Fetcher.
type Slorepo struct {
	fetch   Fetcher
	cfg     SlorepoConfig
	pacer   *pacer
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
	log     *zap.Logger
}

// NewSlorepo returns an Extractor reading pages through fetch.
func NewSlorepo(fetch Fetcher, cfg SlorepoConfig) *Slorepo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.slorepo.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Source == "" {
		cfg.Source = SourceSlorepo
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Minute
	}
	ignore := func(err error) bool {
		return errors.Is(err, resilience.ErrNotFound) || errors.Is(err, resilience.ErrParse)
	}
	return &Slorepo{
		fetch:   fetch,
		cfg:     cfg,
		pacer:   newPacer(cfg.Interval),
		breaker: resilience.NewBreaker(cfg.Breaker, ignore),
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "extract.slorepo")),
	}
}

// VenueURL is the venue's daily page listing machine models.
func (s *Slorepo) VenueURL(date, code string) string {
	return s.cfg.BaseURL + "/hole/" + code + "/" + strings.ReplaceAll(date, "-", "") + "/"
}

// MachineURL is the page of one machine model at a venue on date.
func (s *Slorepo) MachineURL(date, code, encoded string) string {
	return s.VenueURL(date, code) + "kishu/?kishu=" + encoded
}

// ListMachines loads the venue page and returns its machine models.
func (s *Slorepo) ListMachines(ctx context.Context, date string, venue model.Venue) (*MachineList, error) {
	if venue.Code == "" {
		return nil, eris.Errorf("extract: venue %s has no code", venue.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	page, err := s.load(ctx, "list", s.VenueURL(date, venue.Code), machineListScript)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: list machines %s %s", date, venue.Name)
	}
	machines, err := parseMachineList(page.Result)
	if err != nil {
		return nil, err
	}
	return &MachineList{Count: len(machines), Machines: machines}, nil
}

// Extract reads every machine model for the venue. A machine that cannot be
// read is reported in Result.Failures. Errors are returned only when the
// venue itself cannot be read, the circuit is open or ctx ends.
func (s *Slorepo) Extract(ctx context.Context, date string, venue model.Venue) (*Result, error) {
	log := s.log.With(zap.String("date", date), zap.String("venue", venue.Name))

	list, err := s.ListMachines(ctx, date, venue)
	if err != nil {
		return nil, err
	}
	log.Info("machine list loaded", zap.Int("machines", list.Count))

	res := &Result{}
	for i, m := range list.Machines {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(err, "extract: %s %s", date, venue.Name)
		}

		name := machineName(m)
		machineURL := s.MachineURL(date, venue.Code, m.Encoded)
		rows, err := s.machineRows(ctx, date, venue, name, machineURL)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState) {
				return nil, eris.Wrapf(err, "extract: %s %s aborted at machine %d/%d", date, venue.Name, i+1, list.Count)
			}
			log.Warn("machine extraction failed", zap.String("machine", name), zap.Error(err))
			res.Failures = append(res.Failures, model.MachineFailure{
				Date:         date,
				Venue:        venue.Name,
				VenueCode:    venue.Code,
				Machine:      name,
				MachineURL:   machineURL,
				ErrorKind:    resilience.Classify(err),
				ErrorMessage: err.Error(),
				FailedAt:     s.now().UTC(),
				Status:       model.FailureStatusPending,
			})
			continue
		}
		log.Debug("machine extracted", zap.String("machine", name), zap.Int("rows", len(rows)),
			zap.Int("index", i+1), zap.Int("total", list.Count))
		res.Rows = append(res.Rows, rows...)
	}
	return res, nil
}

func (s *Slorepo) machineRows(ctx context.Context, date string, venue model.Venue, machine, machineURL string) ([]model.StagingRow, error) {
	page, err := s.load(ctx, "machine", machineURL, machineRowsScript)
	if err != nil {
		return nil, err
	}
	rows, err := parseMachineRows(page.Result, date, venue, machine, s.cfg.Source, s.now())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Wrapf(resilience.ErrParse, "extract: no units on %s", machineURL)
	}
	return rows, nil
}

// load paces, guards and classifies one page load.
func (s *Slorepo) load(ctx context.Context, kind, pageURL, script string) (*Page, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	v, err := s.breaker.Execute(func() (any, error) {
		page, err := s.fetch.Fetch(ctx, pageURL, script)
		if err != nil {
			return nil, err
		}
		if perr := pageError(page); perr != nil {
			return nil, perr
		}
		return page, nil
	})

	status := "ok"
	if err != nil {
		status = string(resilience.Classify(err))
	}
	metrics.ExtractorRequests.WithLabelValues(kind, status).Inc()

	switch {
	case err == nil:
		s.pacer.OnSuccess()
		return v.(*Page), nil
	case errors.Is(err, resilience.ErrBlocked):
		s.pacer.OnBlocked()
	}
	return nil, err
}

func machineName(m Machine) string {
	if decoded, err := url.QueryUnescape(m.Encoded); err == nil && decoded != "" {
		return decoded
	}
	return m.Name
}

// Close releases the underlying fetcher.
func (s *Slorepo) Close() error {
	return s.fetch.Close()
}
