package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	errorsmod "cosmossdk.io/errors"
	cmap "github.com/orcaman/concurrent-map/v2"
	dbm "github.com/tendermint/tm-db"

	"github.com/GPTx-global/pricefeed/oracle/types"
)

var (
	jobPrefix   = []byte("job/")
	roundPrefix = []byte("round/")
	sequenceKey = []byte("sequence")
)

func jobKey(feed string) []byte {
	return append(append([]byte{}, jobPrefix...), feed...)
}

func roundKey(feed string) []byte {
	return append(append([]byte{}, roundPrefix...), feed...)
}

// Store keeps per-feed job and round state plus the account sequence.
// Every mutation of a feed is a read-modify-write under that feed's lock.
type Store struct {
	db    dbm.DB
	locks cmap.ConcurrentMap[string, *sync.Mutex]
	seqMu sync.Mutex
}

// New opens (or creates) a goleveldb backed store under dir.
func New(dir, name string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrStore, "open %s/%s: %v", dir, name, err)
	}
	return NewWithDB(db), nil
}

func NewMem() *Store {
	return NewWithDB(dbm.NewMemDB())
}

func NewWithDB(db dbm.DB) *Store {
	return &Store{
		db:    db,
		locks: cmap.New[*sync.Mutex](),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the backing database answers reads.
func (s *Store) Ping() error {
	_, err := s.db.Has(sequenceKey)
	return err
}

func (s *Store) lock(feed string) func() {
	mu := s.locks.Upsert(feed, nil, func(exist bool, old, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return old
		}
		return new(sync.Mutex)
	})
	mu.Lock()
	return mu.Unlock
}

// CreateJob registers a feed. An existing feed keeps its state and only gets the new job id.
func (s *Store) CreateJob(jobID, name string) (types.JobState, error) {
	unlock := s.lock(name)
	defer unlock()

	job, err := s.getJob(name)
	switch {
	case err == nil:
		job.JobID = jobID
	case errorsmod.IsOf(err, types.ErrJobNotFound):
		job = types.NewJobState(jobID, name)
		if err := s.put(roundKey(name), types.RoundSnapshot{Feed: name}); err != nil {
			return types.JobState{}, err
		}
	default:
		return types.JobState{}, err
	}

	if err := s.put(jobKey(name), job); err != nil {
		return types.JobState{}, err
	}
	return job, nil
}

// DeleteJobByID removes the feed registered with the external job id and returns its name.
func (s *Store) DeleteJobByID(jobID string) (string, error) {
	jobs, err := s.AllJobs()
	if err != nil {
		return "", err
	}

	for _, job := range jobs {
		if job.JobID != jobID {
			continue
		}

		unlock := s.lock(job.Name)
		err := s.deleteFeed(job.Name)
		unlock()
		if err != nil {
			return "", err
		}
		return job.Name, nil
	}

	return "", errorsmod.Wrapf(types.ErrJobNotFound, "job id %s", jobID)
}

func (s *Store) deleteFeed(feed string) error {
	if err := s.db.DeleteSync(jobKey(feed)); err != nil {
		return errorsmod.Wrapf(types.ErrStore, "delete job %s: %v", feed, err)
	}
	if err := s.db.DeleteSync(roundKey(feed)); err != nil {
		return errorsmod.Wrapf(types.ErrStore, "delete round %s: %v", feed, err)
	}
	return nil
}

func (s *Store) Job(feed string) (types.JobState, error) {
	return s.getJob(feed)
}

// UpdateJob applies fn to the feed's job state and persists the result.
// Nothing is written when fn returns an error.
func (s *Store) UpdateJob(feed string, fn func(*types.JobState) error) (types.JobState, error) {
	unlock := s.lock(feed)
	defer unlock()

	job, err := s.getJob(feed)
	if err != nil {
		return types.JobState{}, err
	}
	if err := fn(&job); err != nil {
		return types.JobState{}, err
	}
	if err := s.put(jobKey(feed), job); err != nil {
		return types.JobState{}, err
	}
	return job, nil
}

func (s *Store) AllJobs() ([]types.JobState, error) {
	it, err := dbm.IteratePrefix(s.db, jobPrefix)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrStore, "iterate jobs: %v", err)
	}
	defer it.Close()

	jobs := make([]types.JobState, 0)
	for ; it.Valid(); it.Next() {
		var job types.JobState
		if err := json.Unmarshal(it.Value(), &job); err != nil {
			return nil, errorsmod.Wrapf(types.ErrStore, "decode %s: %v", it.Key(), err)
		}
		jobs = append(jobs, job)
	}
	if err := it.Error(); err != nil {
		return nil, errorsmod.Wrapf(types.ErrStore, "iterate jobs: %v", err)
	}

	return jobs, nil
}

func (s *Store) Round(feed string) (types.RoundSnapshot, error) {
	var snap types.RoundSnapshot
	found, err := s.get(roundKey(feed), &snap)
	if err != nil {
		return types.RoundSnapshot{}, err
	}
	if !found {
		return types.RoundSnapshot{}, errorsmod.Wrapf(types.ErrRoundNotFound, "feed %s", feed)
	}
	return snap, nil
}

// SetRound replaces the feed's round snapshot.
func (s *Store) SetRound(snap types.RoundSnapshot) error {
	unlock := s.lock(snap.Feed)
	defer unlock()

	return s.put(roundKey(snap.Feed), snap)
}

// UpdateRound applies fn to the feed's round snapshot, starting from an empty one if none exists.
func (s *Store) UpdateRound(feed string, fn func(*types.RoundSnapshot)) (types.RoundSnapshot, error) {
	unlock := s.lock(feed)
	defer unlock()

	snap := types.RoundSnapshot{Feed: feed}
	if _, err := s.get(roundKey(feed), &snap); err != nil {
		return types.RoundSnapshot{}, err
	}
	fn(&snap)
	snap.Feed = feed

	if err := s.put(roundKey(feed), snap); err != nil {
		return types.RoundSnapshot{}, err
	}
	return snap, nil
}

// Sequence returns the persisted next account sequence, if any.
func (s *Store) Sequence() (uint64, bool, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	bz, err := s.db.Get(sequenceKey)
	if err != nil {
		return 0, false, errorsmod.Wrapf(types.ErrStore, "get sequence: %v", err)
	}
	if bz == nil {
		return 0, false, nil
	}

	seq, err := strconv.ParseUint(string(bz), 10, 64)
	if err != nil {
		return 0, false, errorsmod.Wrapf(types.ErrStore, "decode sequence %q: %v", bz, err)
	}
	return seq, true, nil
}

func (s *Store) SetSequence(seq uint64) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	if err := s.db.SetSync(sequenceKey, []byte(strconv.FormatUint(seq, 10))); err != nil {
		return errorsmod.Wrapf(types.ErrStore, "set sequence: %v", err)
	}
	return nil
}

func (s *Store) getJob(feed string) (types.JobState, error) {
	var job types.JobState
	found, err := s.get(jobKey(feed), &job)
	if err != nil {
		return types.JobState{}, err
	}
	if !found {
		return types.JobState{}, errorsmod.Wrapf(types.ErrJobNotFound, "feed %s", feed)
	}
	return job, nil
}

func (s *Store) get(key []byte, v any) (bool, error) {
	bz, err := s.db.Get(key)
	if err != nil {
		return false, errorsmod.Wrapf(types.ErrStore, "get %s: %v", key, err)
	}
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return false, errorsmod.Wrapf(types.ErrStore, "decode %s: %v", key, err)
	}
	return true, nil
}

func (s *Store) put(key []byte, v any) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.db.SetSync(key, bz); err != nil {
		return errorsmod.Wrapf(types.ErrStore, "set %s: %v", key, err)
	}
	return nil
}
