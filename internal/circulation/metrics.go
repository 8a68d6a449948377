package circulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	borrowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_borrows_total",
		Help: "Loans opened.",
	})
	returnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_returns_total",
		Help: "Loans settled.",
	})
	finesCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_fines_collected_total",
		Help: "Fine amount collected at settlement, in currency units.",
	})
	overdueRefreshed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "library_overdue_fines_refreshed_total",
		Help: "Open loans whose advisory fine was refreshed by the sweep.",
	})
)
