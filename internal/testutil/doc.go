// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing runs, messages and scripted provider feeds,
// plus a fake clock for driving the polling loop without real delays. These
// helpers are not intended for production usage.
package testutil
