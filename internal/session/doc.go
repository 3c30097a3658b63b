// Package session tracks admitted streaming sessions and runs their
// per-connection control loop.
//
// Registry bounds how many sessions may be active at once. Reaper expires
// sessions that stop sending audio. Handler drives one connection from
// admission to close over any Transport: it cuts received PCM into windows,
// keeps at most one window per session in the gateway and delivers results in
// capture order.
package session
