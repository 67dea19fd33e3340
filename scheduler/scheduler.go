package scheduler

// Package scheduler owns the periodic polling job for instruments the
// realtime websocket feed does not cover (forex crosses, metals,
// energy ETFs). Each cycle fetches the latest one-minute candle per
// symbol through the shared rate-limited REST client and stages it in
// the same write buffer the live feed uses, so the persistence path is
// identical for both sources.
//
// The job is implemented in jobs.go.
