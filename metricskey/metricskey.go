package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenOperation is perf metric of login and private key operations
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token",
		Help:         "perf_token provides the sample metrics of token operations",
		RequiredTags: []string{"provider", "action"},
	}

	// PerfTokenEnum is perf metric of token and certificate enumeration
	PerfTokenEnum = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_enum",
		Help:         "perf_token_enum provides the sample metrics of token enumeration",
		RequiredTags: []string{"provider", "action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenOperation,
	&PerfTokenEnum,
}
