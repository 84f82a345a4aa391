// diary-gen generates synthetic diary submission bodies for exercising
// the capture API, the conflict detector, and downstream delivery
// without real devices. The output is a JSON array of submission
// bodies in arrival order; a driver that POSTs them in order to
// /v1/events on a fresh tenant sees the parent sequence claims line up,
// including the deliberately stale ones. Entry payloads validate
// against docs/schema/sleep-diary-v2.schema.json.
//
// Usage:
//
//	go run tools/diary-gen.go -output submissions.json -subjects 5 -days 14
//	go run tools/diary-gen.go -output submissions.json -profile backfill-heavy
//	go run tools/diary-gen.go -list
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
)

// Submission is the capture API request body.
type Submission struct {
	EventID      string    `json:"event_id"`
	TenantID     string    `json:"tenant_id"`
	SiteID       string    `json:"site_id"`
	SubjectID    string    `json:"subject_id"`
	Operation    string    `json:"operation"`
	ParentSeq    *int64    `json:"parent_sequence_id,omitempty"`
	Payload      envelope  `json:"payload"`
	ChangeReason string    `json:"change_reason,omitempty"`
	ClientTimeNs int64     `json:"client_time_ns"`
}

type envelope struct {
	Form string     `json:"form"`
	Data diaryEntry `json:"data"`
}

type diaryEntry struct {
	Hours      float64 `json:"hours"`
	Quality    string  `json:"quality"`
	Awakenings *int    `json:"awakenings,omitempty"`
}

// AdherenceProfile defines parameters for simulating subject behavior.
type AdherenceProfile struct {
	Name               string
	Description        string
	EntryProbability   float64 // Probability a subject records on a given day
	CorrectionRate     float64 // Probability an entry is followed by a correction
	StaleClaimRate     float64 // Probability a correction claims an outdated parent
	OfflineProbability float64 // Probability a device drops offline on a given day
	OfflineMaxDays     int     // Longest offline stretch before the device syncs
	EveningMedianMin   float64 // Median minutes after 18:00 the entry is made
	EveningStdDevMin   float64 // Spread of the entry time
}

var profiles = map[string]AdherenceProfile{
	"adherent": {
		Name:             "Adherent Subject",
		Description:      "Records nearly every evening, rare corrections",
		EntryProbability: 0.97,
		CorrectionRate:   0.05,
		EveningMedianMin: 120,
		EveningStdDevMin: 45,
	},
	"typical": {
		Name:               "Typical Subject",
		Description:        "Occasional missed days, some corrections, brief outages",
		EntryProbability:   0.85,
		CorrectionRate:     0.10,
		StaleClaimRate:     0.02,
		OfflineProbability: 0.05,
		OfflineMaxDays:     2,
		EveningMedianMin:   150,
		EveningStdDevMin:   90,
	},
	"sporadic": {
		Name:               "Sporadic Subject",
		Description:        "Misses many days, frequent corrections and outages",
		EntryProbability:   0.6,
		CorrectionRate:     0.15,
		StaleClaimRate:     0.05,
		OfflineProbability: 0.15,
		OfflineMaxDays:     4,
		EveningMedianMin:   180,
		EveningStdDevMin:   150,
	},
	"backfill-heavy": {
		Name:               "Backfill-Heavy Device",
		Description:        "Long offline stretches, then bursts of queued entries",
		EntryProbability:   0.9,
		CorrectionRate:     0.08,
		StaleClaimRate:     0.02,
		OfflineProbability: 0.3,
		OfflineMaxDays:     7,
		EveningMedianMin:   150,
		EveningStdDevMin:   60,
	},
	"correction-heavy": {
		Name:             "Correction-Heavy Subject",
		Description:      "Revises entries often, including stale parent claims",
		EntryProbability: 0.9,
		CorrectionRate:   0.35,
		StaleClaimRate:   0.10,
		EveningMedianMin: 120,
		EveningStdDevMin: 60,
	},
}

var changeReasons = []string{
	"entered wrong value",
	"selected wrong quality",
	"recorded against the wrong night",
	"added missing awakenings",
	"typo in the entry",
}

func main() {
	var (
		outputPath   = flag.String("output", "submissions.json", "Output file path")
		subjectCount = flag.Int("subjects", 5, "Number of subjects")
		dayCount     = flag.Int("days", 14, "Number of diary days")
		profileName  = flag.String("profile", "typical", "Adherence profile to use")
		tenantID     = flag.String("tenant", "trial-204", "Tenant id stamped on every submission")
		siteID       = flag.String("site", "site-011", "Site id stamped on every submission")
		startTime    = flag.Int64("start", 0, "First diary day at 00:00 (ns); 0 = days counted back from now")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		for name, p := range profiles {
			fmt.Printf("  %-20s %s\n", name, p.Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	if *startTime == 0 {
		*startTime = time.Now().Add(-time.Duration(*dayCount) * 24 * time.Hour).Truncate(24 * time.Hour).UnixNano()
	}

	fmt.Printf("Generating %d subjects x %d days with profile: %s\n", *subjectCount, *dayCount, profile.Name)
	fmt.Printf("Random seed: %d\n", *seed)

	subs := generateSubmissions(rng, profile, *subjectCount, *dayCount, *tenantID, *siteID, *startTime)

	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling submissions: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*outputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d submissions to %s\n", len(subs), *outputPath)

	printStats(subs)
}

// subjectState tracks what an in-order driver would see the server
// assign for one subject.
type subjectState struct {
	id          string
	lastDataSeq int64 // 0 until the create lands
	prevDataSeq int64 // the parent an already-corrected entry claimed
	offlineTo   int   // day index the device is offline through
	queued      []pendingEntry
}

// pendingEntry is a composed diary entry waiting for the device to
// come back online.
type pendingEntry struct {
	clientTimeNs int64
	entry        diaryEntry
}

func generateSubmissions(rng *rand.Rand, profile AdherenceProfile, subjectCount, dayCount int, tenantID, siteID string, startTime int64) []Submission {
	subjects := make([]*subjectState, subjectCount)
	for i := range subjects {
		subjects[i] = &subjectState{id: fmt.Sprintf("subj-%04d", i+1)}
	}

	var subs []Submission
	var tenantSeq int64 // sequence the next accepted event lands at, minus one

	// emit resolves the parent claim at arrival position and advances
	// the would-be tenant sequence.
	emit := func(s *subjectState, pe pendingEntry) {
		sub := Submission{
			EventID:      uuid.NewString(),
			TenantID:     tenantID,
			SiteID:       siteID,
			SubjectID:    s.id,
			Payload:      envelope{Form: "sleep-diary-v2", Data: pe.entry},
			ClientTimeNs: pe.clientTimeNs,
		}
		if s.lastDataSeq == 0 {
			sub.Operation = "create"
		} else {
			sub.Operation = "update"
			parent := s.lastDataSeq
			sub.ParentSeq = &parent
			sub.ChangeReason = "new diary entry"
		}
		subs = append(subs, sub)
		tenantSeq++
		s.prevDataSeq = s.lastDataSeq
		s.lastDataSeq = tenantSeq

		// Same-evening correction, sometimes claiming the parent the
		// entry it corrects already consumed. Those are rejected with
		// a conflict and do not advance the sequence.
		if rng.Float64() < profile.CorrectionRate {
			corrected := pe.entry
			corrected.Hours = clampHours(corrected.Hours + rng.Float64()*2 - 1)
			corrected.Quality = qualityFor(corrected.Hours, rng)

			parent := s.lastDataSeq
			stale := s.prevDataSeq > 0 && rng.Float64() < profile.StaleClaimRate
			if stale {
				parent = s.prevDataSeq
			}
			correction := Submission{
				EventID:      uuid.NewString(),
				TenantID:     tenantID,
				SiteID:       siteID,
				SubjectID:    s.id,
				Operation:    "update",
				ParentSeq:    &parent,
				Payload:      envelope{Form: "sleep-diary-v2", Data: corrected},
				ChangeReason: changeReasons[rng.Intn(len(changeReasons))],
				ClientTimeNs: pe.clientTimeNs + int64((2+rng.Float64()*13)*float64(time.Minute)),
			}
			subs = append(subs, correction)
			if !stale {
				tenantSeq++
				s.prevDataSeq = s.lastDataSeq
				s.lastDataSeq = tenantSeq
			}
		}
	}

	for day := 0; day < dayCount; day++ {
		for _, s := range subjects {
			// A device coming back online flushes its queue first.
			if s.offlineTo != 0 && day > s.offlineTo {
				for _, pe := range s.queued {
					emit(s, pe)
				}
				s.queued = nil
				s.offlineTo = 0
			}
			if s.offlineTo == 0 && profile.OfflineProbability > 0 && rng.Float64() < profile.OfflineProbability {
				s.offlineTo = day + 1 + rng.Intn(profile.OfflineMaxDays)
			}

			if rng.Float64() >= profile.EntryProbability {
				continue
			}

			// Entries are composed in the evening with log-normal scatter.
			jitterMin := logNormalSample(rng, profile.EveningMedianMin, profile.EveningStdDevMin)
			clientTime := startTime +
				int64(day)*int64(24*time.Hour) +
				int64(18*time.Hour) +
				int64(jitterMin*float64(time.Minute))

			hours := clampHours(5 + rng.NormFloat64()*1.5 + 2)
			entry := diaryEntry{Hours: hours, Quality: qualityFor(hours, rng)}
			if rng.Float64() < 0.3 {
				n := rng.Intn(4)
				entry.Awakenings = &n
			}

			pe := pendingEntry{clientTimeNs: clientTime, entry: entry}
			if s.offlineTo != 0 {
				s.queued = append(s.queued, pe)
			} else {
				emit(s, pe)
			}
		}
	}

	// Devices still offline at the end sync on the last day.
	for _, s := range subjects {
		for _, pe := range s.queued {
			emit(s, pe)
		}
		s.queued = nil
	}

	return subs
}

func clampHours(h float64) float64 {
	if h < 0 {
		h = 0
	}
	if h > 14 {
		h = 14
	}
	// Devices record in half-hour steps.
	return math.Round(h*2) / 2
}

func qualityFor(hours float64, rng *rand.Rand) string {
	// Quality tracks duration loosely.
	shifted := hours + rng.NormFloat64()
	switch {
	case shifted < 5.5:
		return "poor"
	case shifted < 7:
		return "fair"
	default:
		return "good"
	}
}

// logNormalSample generates a sample from a log-normal distribution.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.1 {
		sigma = 0.1
	}

	// Box-Muller transform
	u1 := rng.Float64()
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	return math.Exp(mu + sigma*z)
}

func printStats(subs []Submission) {
	if len(subs) == 0 {
		return
	}

	creates, updates, conflicts := 0, 0, 0
	seen := make(map[string]int64) // subject -> last accepted data seq
	var seq int64
	for _, s := range subs {
		switch s.Operation {
		case "create":
			creates++
		case "update":
			updates++
		}
		// Replay the in-order driver to count expected rejections.
		if s.Operation == "create" && seen[s.SubjectID] == 0 {
			seq++
			seen[s.SubjectID] = seq
		} else if s.Operation == "update" && s.ParentSeq != nil {
			if *s.ParentSeq == seen[s.SubjectID] {
				seq++
				seen[s.SubjectID] = seq
			} else {
				conflicts++
			}
		}
	}

	minTime, maxTime := subs[0].ClientTimeNs, subs[0].ClientTimeNs
	for _, s := range subs {
		if s.ClientTimeNs < minTime {
			minTime = s.ClientTimeNs
		}
		if s.ClientTimeNs > maxTime {
			maxTime = s.ClientTimeNs
		}
	}

	fmt.Println("\nStatistics:")
	fmt.Printf("  Total submissions:  %d\n", len(subs))
	fmt.Printf("  Creates:            %d\n", creates)
	fmt.Printf("  Updates:            %d\n", updates)
	fmt.Printf("  Expected conflicts: %d\n", conflicts)
	fmt.Printf("  Subjects:           %d\n", len(seen))
	fmt.Printf("  Diary span:         %.1f days\n", float64(maxTime-minTime)/float64(24*time.Hour))
}
