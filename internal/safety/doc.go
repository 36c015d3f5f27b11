// Package safety implements flow admission control for the gas delivery
// system.
//
// Every setpoint change passes through the Gate before it reaches
// hardware. The Gate is pure: it evaluates a requested flow against the
// configured limits and a snapshot of current flows, and returns a
// Decision. It never touches devices and never mutates controller state,
// so it is trivially testable and cannot deadlock the control path.
//
// Checks run in a fixed order and the first violation becomes the
// decision reason:
//
//  1. Per-channel individual flow limit
//  2. Chamber total flow limit (current total with this channel's flow
//     replaced by the request)
//  3. Oxygen concentration limit, for oxygen-bearing gases
//  4. Emergency ceiling, an absolute bound no single request may cross
//
// A denied request is a normal outcome, not an error: the caller reports
// the reason to the operator and the previous setpoint stays in force.
package safety
