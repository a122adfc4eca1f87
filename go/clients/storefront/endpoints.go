package storefront

const (
	// App proxy endpoints
	AllocationStatusEndpoint = "/apps/studio-sivad/allocation-status"
	AnalyticsEndpoint        = "/apps/studio-sivad/analytics"

	// Storefront cart endpoint
	CartAddEndpoint = "/cart/add.js"

	// Headers
	RequestedWithHeader = "X-Requested-With"
	RequestedWithValue  = "XMLHttpRequest"
)
