package model

import "errors"

var (
	// ErrInsufficientData means a sample count was below a detector or
	// forecaster minimum. Callers treat it as an empty result.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNoViablePrediction means every API of a journey failed to forecast.
	ErrNoViablePrediction = errors.New("no viable prediction")
	ErrPersistence        = errors.New("persistence failure")
	ErrConfiguration      = errors.New("configuration error")
	ErrNotFound           = errors.New("not found")
)
