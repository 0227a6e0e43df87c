// Package api exposes the administrative REST surface of taskflowd: task
// submission and lookup backed by task.Service, and pause/resume of the
// waiting task promoter.
package api
