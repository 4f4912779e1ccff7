package monitor

import "stockwatch/internal/governor"

var (
	ErrMonitoringDisabled = governor.NewError(governor.ReasonMonitoringDisabled, "monitoring is disabled")
	ErrTooSoon            = governor.NewError(governor.ReasonTooSoon, "previous check cycle too recent")
	ErrIntervalTooShort   = governor.NewError(governor.ReasonInvalidArgument, "check interval below minimum")
	ErrInvalidProduct     = governor.NewError(governor.ReasonInvalidArgument, "invalid product")
	ErrProductNotFound    = governor.NewError(governor.ReasonNotFound, "product not monitored")
)
