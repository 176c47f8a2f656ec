// Package limits defines the budget model shared by the admission
// layer: subjects (keys and users), the closed set of budget windows,
// per-window USD limits, and the error taxonomy for denials.
//
// The windows are deliberately a closed sum type rather than an
// open-ended configuration list. The gateway supports exactly six
// dimensions - five cost windows (5-hour, daily, weekly, monthly,
// all-time) plus a concurrency ceiling - and nothing else.
//
// The subpackages implement enforcement:
//
//   - quota: cost-window admission, settlement, and usage reads
//   - session: the in-flight concurrency ceiling
package limits
