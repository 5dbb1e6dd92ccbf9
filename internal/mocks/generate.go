// Package mocks provides mock implementations for testing the job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for
// the core interfaces. The mocks are generated using go:generate directives
// and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	store := mocks.NewMockJobStore(ctrl)
//	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
package mocks

// Generate mock for the JobStore interface from internal/core.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_store_mock.go github.com/sheet-assist/sssystem/internal/core JobStore

// Generate mock for the Persister interface from internal/core.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=persister_mock.go github.com/sheet-assist/sssystem/internal/core Persister
