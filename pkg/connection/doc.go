// Package connection provides the exponential backoff calculator used by
// the ZigbeeCore daemon locator when mDNS resolution fails.
//
// # Backoff
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until successful
//  5. Reset to 1s on successful resolution
//
// # Jitter
//
// To prevent a thundering herd of gateway processes re-browsing at once
// when ZigbeeCore bounces:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
