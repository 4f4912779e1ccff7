package checkout

import "stockwatch/internal/governor"

var (
	ErrInProgress = governor.NewError(governor.ReasonCheckoutInProgress, "checkout already in progress")
	ErrCartFailed = governor.NewError(governor.ReasonAdapterFailure, "add to cart not confirmed")
)
