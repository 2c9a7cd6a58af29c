package sps

import (
	"context"
	"hash/fnv"

	"github.com/user/spsched/internal/message"
)

// HashingExecutor is a deterministic stand-in execution engine: results echo
// the invocation and the determinism hash is a function of the work alone,
// so every replica produces an identical response. The real engine plugs in
// through the Executor interface.
type HashingExecutor struct{}

func (HashingExecutor) Procedure(_ context.Context, name string, invocation []byte, _ bool) ExecResult {
	return ExecResult{
		Status:  message.StatusSuccess,
		Results: invocation,
		Hashes:  []uint64{workHash(name, invocation)},
	}
}

func (HashingExecutor) Fragment(_ context.Context, frag *message.FragmentTask, _ map[int32][]byte) ExecResult {
	return ExecResult{
		Status:  message.StatusSuccess,
		Results: frag.Fragment,
		Hashes:  []uint64{workHash("fragment", frag.Fragment)},
	}
}

func (HashingExecutor) Complete(_ context.Context, _ int64, _ bool) {}

func workHash(name string, payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write(payload)
	return h.Sum64()
}
