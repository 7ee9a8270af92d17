package repository

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/common/cache"
	"codebattle/internal/common/db"
	appErr "codebattle/pkg/errors"
	"codebattle/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultProblemPoolTTL      = 10 * time.Minute
	defaultProblemPoolEmptyTTL = time.Minute
	problemPoolKeyPrefix       = "battle:problems:"
)

// ProblemRepository loads battle problem sets from MySQL through a Redis
// cache of the per-mode candidate pool.
type ProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
	shuffle  func(n int) []int
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) *ProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultProblemPoolTTL, defaultProblemPoolEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *ProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemPoolTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemPoolEmptyTTL
	}
	return &ProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
		shuffle:  rand.Perm,
	}
}

// LoadProblemSet picks mode.ProblemCount random problems within the mode's
// difficulty range, ordered by difficulty.
func (r *ProblemRepository) LoadProblemSet(ctx context.Context, mode model.Mode) ([]model.Problem, error) {
	pool, err := r.candidates(ctx, mode)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ProblemSetUnavailable, "load problem pool failed")
	}
	if mode.ProblemCount <= 0 || len(pool) < mode.ProblemCount {
		// The cached pool may be stale; the next load reads the database again.
		if err := r.invalidatePool(ctx, mode.Name); err != nil {
			logger.Warn(ctx, "invalidate problem pool failed", zap.String("mode", mode.Name), zap.Error(err))
		}
		return nil, appErr.New(appErr.ProblemSetUnavailable).
			WithDetail("mode", mode.Name).
			WithDetail("candidates", len(pool))
	}

	picked := make([]model.Problem, 0, mode.ProblemCount)
	for _, i := range r.shuffle(len(pool))[:mode.ProblemCount] {
		picked = append(picked, pool[i].Clone())
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].Difficulty != picked[j].Difficulty {
			return picked[i].Difficulty < picked[j].Difficulty
		}
		return picked[i].ID < picked[j].ID
	})
	return picked, nil
}

// invalidatePool drops the cached candidate pool of mode.
func (r *ProblemRepository) invalidatePool(ctx context.Context, mode string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, problemPoolKey(mode))
}

func (r *ProblemRepository) candidates(ctx context.Context, mode model.Mode) ([]model.Problem, error) {
	if r.cache == nil {
		return r.candidatesFromDB(ctx, mode)
	}
	return cache.GetWithCached[[]model.Problem](
		ctx,
		r.cache,
		problemPoolKey(mode.Name),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(pool []model.Problem) bool { return len(pool) == 0 },
		marshalProblemPool,
		unmarshalProblemPool,
		func(ctx context.Context) ([]model.Problem, error) {
			return r.candidatesFromDB(ctx, mode)
		},
	)
}

func (r *ProblemRepository) candidatesFromDB(ctx context.Context, mode model.Mode) ([]model.Problem, error) {
	if r.db == nil {
		return nil, appErr.New(appErr.DatabaseError).WithMessage("problem database is not configured")
	}
	query := `
		SELECT id, title, statement, difficulty, time_limit_ms, memory_limit_kb
		FROM battle_problems
		WHERE enabled = 1 AND difficulty BETWEEN ? AND ?
		ORDER BY id`
	maxDifficulty := mode.MaxDifficulty
	if maxDifficulty <= 0 {
		maxDifficulty = 1 << 30
	}
	rows, err := r.db.Query(ctx, query, mode.MinDifficulty, maxDifficulty)
	if err != nil {
		return nil, err
	}
	var (
		pool []model.Problem
		ids  []any
	)
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		pool = append(pool, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(pool) == 0 {
		return nil, nil
	}

	cases, err := r.testCases(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range pool {
		pool[i].TestCases = cases[pool[i].ID]
	}
	return pool, nil
}

func (r *ProblemRepository) testCases(ctx context.Context, ids []any) (map[string][]model.TestCase, error) {
	query := `
		SELECT problem_id, input, expected_output, hidden
		FROM battle_testcases
		WHERE problem_id IN (` + placeholders(len(ids)) + `)
		ORDER BY problem_id, seq`
	rows, err := r.db.Query(ctx, query, ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]model.TestCase, len(ids))
	for rows.Next() {
		var (
			problemID string
			tc        model.TestCase
		)
		if err := rows.Scan(&problemID, &tc.Input, &tc.ExpectedOutput, &tc.Hidden); err != nil {
			return nil, err
		}
		out[problemID] = append(out[problemID], tc)
	}
	return out, rows.Err()
}

func scanProblem(scanner db.Scanner) (model.Problem, error) {
	var p model.Problem
	err := scanner.Scan(&p.ID, &p.Title, &p.Statement, &p.Difficulty, &p.TimeLimitMs, &p.MemoryLimitKB)
	if err != nil {
		return model.Problem{}, err
	}
	return p, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func problemPoolKey(mode string) string {
	return problemPoolKeyPrefix + strings.ToLower(mode)
}

func marshalProblemPool(pool []model.Problem) string {
	payload, err := json.Marshal(pool)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalProblemPool(data string) ([]model.Problem, error) {
	if data == "" {
		return nil, nil
	}
	var pool []model.Problem
	if err := json.Unmarshal([]byte(data), &pool); err != nil {
		return nil, err
	}
	return pool, nil
}
