package types

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

const ModuleName = "pricefeed"

// Feed is the static configuration of one price market.
type Feed struct {
	Name               string
	DecimalPlaces      int
	PollInterval       time.Duration
	PushInterval       time.Duration
	PriceDeviationPerc float64
}

type TriggerReason int

const (
	ReasonHeartbeat TriggerReason = 1
	ReasonDeviation TriggerReason = 2
	ReasonNewRound  TriggerReason = 3
)

func (r TriggerReason) Valid() bool {
	return r == ReasonHeartbeat || r == ReasonDeviation || r == ReasonNewRound
}

func (r TriggerReason) String() string {
	switch r {
	case ReasonHeartbeat:
		return "heartbeat"
	case ReasonDeviation:
		return "deviation"
	case ReasonNewRound:
		return "new-round"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// RoundDetails is a reconciled view of the latest on-chain round for a feed.
// It is rebuilt on every pass and replaced wholesale.
type RoundDetails struct {
	RoundID        uint64
	StartedAt      int64
	StartedBy      string
	SubmissionMade bool
	Errored        bool
}

// SentinelRound marks a round that could not be read or parsed.
func SentinelRound() RoundDetails {
	return RoundDetails{RoundID: 1, Errored: true}
}

func (r RoundDetails) IsSentinel() bool {
	return r == SentinelRound()
}

func (r RoundDetails) String() string {
	return fmt.Sprintf("round=%d startedAt=%d startedBy=%s submitted=%t errored=%t",
		r.RoundID, r.StartedAt, r.StartedBy, r.SubmissionMade, r.Errored)
}

// JobState is the durable per-feed bookkeeping shared by the drivers and the callback handler.
// Times are unix seconds.
type JobState struct {
	JobID                 string  `json:"id"`
	Name                  string  `json:"name"`
	RequestID             uint64  `json:"request_id"`
	LastReceivedRequestID uint64  `json:"last_received_request_id"`
	LastReportedRound     uint64  `json:"last_reported_round"`
	LastRequestSent       int64   `json:"last_request_sent"`
	LastSubmissionTime    int64   `json:"last_submission_time"`
	LastSubmittedBlock    int64   `json:"last_submitted_block"`
	LastTriedRound        uint64  `json:"last_tried_round"`
	LastResult            float64 `json:"last_result"`
}

func NewJobState(jobID, name string) JobState {
	return JobState{
		JobID:      jobID,
		Name:       name,
		LastResult: -1,
	}
}

// Pending reports whether a compute request is still unanswered.
func (j JobState) Pending() bool {
	return j.LastReceivedRequestID < j.RequestID
}

// MarkReceived records a processed request id, keeping LastReceivedRequestID <= RequestID.
func (j *JobState) MarkReceived(requestID uint64) {
	j.LastReceivedRequestID = requestID
	if requestID > j.RequestID {
		j.RequestID = requestID
	}
}

// HasLastResult is false until a chain price has been recorded.
func (j JobState) HasLastResult() bool {
	return j.LastResult != -1 && j.LastResult != 0
}

// RoundSnapshot is the persisted copy of the last observed round for a feed.
type RoundSnapshot struct {
	Feed           string `json:"feed"`
	RoundID        uint64 `json:"round_id"`
	StartedAt      int64  `json:"started_at"`
	StartedBy      string `json:"started_by"`
	SubmissionMade bool   `json:"submission_made"`
	Errored        bool   `json:"errored"`
}

func SnapshotOf(feed string, r RoundDetails) RoundSnapshot {
	return RoundSnapshot{
		Feed:           feed,
		RoundID:        r.RoundID,
		StartedAt:      r.StartedAt,
		StartedBy:      r.StartedBy,
		SubmissionMade: r.SubmissionMade,
		Errored:        r.Errored,
	}
}

func (s RoundSnapshot) Details() RoundDetails {
	return RoundDetails{
		RoundID:        s.RoundID,
		StartedAt:      s.StartedAt,
		StartedBy:      s.StartedBy,
		SubmissionMade: s.SubmissionMade,
		Errored:        s.Errored,
	}
}

const PushPriceInvitation = "PushPrice"

// OfferRecord is one offer status entry from the operator's wallet ledger.
type OfferRecord struct {
	ID                  string
	PreviousOffer       string
	InvitationMakerName string
	UnitPrice           sdkmath.Int
	RoundID             uint64
	Error               string
}

func (o OfferRecord) Errored() bool {
	return o.Error != ""
}

// Continues reports whether the record is a price push made through the given offer handle.
func (o OfferRecord) Continues(offerHandle string) bool {
	return o.InvitationMakerName == PushPriceInvitation && o.PreviousOffer == offerHandle
}

type ChainStatus struct {
	Height          int64
	CatchingUp      bool
	LatestBlockTime time.Time
}

// TxResult is the relevant part of a broadcast response.
type TxResult struct {
	Code   uint32
	RawLog string
	TxHash string
	Height int64
}

func (r TxResult) OK() bool {
	return r.Code == 0
}

type RequestState int

const (
	RequestIdle RequestState = iota
	RequestSent
)

func (s RequestState) String() string {
	if s == RequestSent {
		return "REQUEST_SENT"
	}
	return "IDLE"
}

// RequestStateOf derives the conceptual request state of a feed. An unanswered
// request older than watchdog is treated as lost.
func RequestStateOf(job JobState, now time.Time, watchdog time.Duration) RequestState {
	if !job.Pending() {
		return RequestIdle
	}
	if now.Unix()-job.LastRequestSent > int64(watchdog.Seconds()) {
		return RequestIdle
	}
	return RequestSent
}
