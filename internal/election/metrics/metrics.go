package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cast outcomes recorded on VotesCast.
const (
	OutcomeValid    = "valid"
	OutcomeSpoiled  = "spoiled"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
)

// Metrics provides observability for the election engine.
// Tracks ballot outcomes, tally and cast latency, certifications and proof failures.
type Metrics struct {
	VotesCast            *prometheus.CounterVec
	AlreadyVoted         prometheus.Counter
	CastDuration         prometheus.Histogram
	TallyDuration        prometheus.Histogram
	Certifications       prometheus.Counter
	ProofMismatches      prometheus.Counter
	LifecycleTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with all election metrics registered on the
// default registry. Call it once per process.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the election metrics on reg. Tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VotesCast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_votes_cast_total",
			Help: "Ballot cast attempts by outcome",
		}, []string{"outcome"}),
		AlreadyVoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quorum_already_voted_total",
			Help: "Cast attempts rejected because the ballot was already claimed",
		}),
		CastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quorum_cast_duration_seconds",
			Help:    "Duration of ballot cast operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		TallyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quorum_tally_duration_seconds",
			Help:    "Duration of position tallies",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Certifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "quorum_certifications_total",
			Help: "Position certifications and recertifications written",
		}),
		ProofMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "quorum_proof_mismatches_total",
			Help: "Vote proofs that failed verification",
		}),
		LifecycleTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_lifecycle_transitions_total",
			Help: "Applied election phase transitions by target phase",
		}, []string{"to_phase"}),
	}
}

func (m *Metrics) IncrementVotesCast(outcome string) {
	m.VotesCast.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementAlreadyVoted() {
	m.AlreadyVoted.Inc()
}

// ObserveCast records the duration of a cast. Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCast(start time.Time) {
	m.CastDuration.Observe(time.Since(start).Seconds())
}

// ObserveTally records the duration of a tally. Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveTally(start time.Time) {
	m.TallyDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementCertifications() {
	m.Certifications.Inc()
}

func (m *Metrics) IncrementProofMismatches() {
	m.ProofMismatches.Inc()
}

func (m *Metrics) IncrementTransition(toPhase string) {
	m.LifecycleTransitions.WithLabelValues(toPhase).Inc()
}
