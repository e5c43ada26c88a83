// Package memlimit sets GOMEMLIMIT from the host cgroup so the coordinator
// backs off its own GC target under a container memory limit instead of
// letting the OOM killer decide.
package memlimit

import (
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
)

func init() {
	memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
		memlimit.WithRefreshInterval(time.Minute),
	)
}
