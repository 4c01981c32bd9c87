// Package daemon provides the coordinator that keeps synchronization
// services in step with the session and the network.
//
// # Architecture
//
// The coordinator does not flush the mutation queue. It only decides when
// the services load:
//
//   - Session attach: every service is reset and loads today's bucket
//   - Session detach: every service is reset; cache and queue are kept
//   - Probe transition from unreachable to reachable: every service reloads
//   - Refresh interval: every service reloads, which also rolls over to a
//     new day after midnight
//
// Loads of different work types run concurrently. Overlapping triggers are
// serialized.
//
// # Usage
//
//	sess := session.New(cfg.Session.JWTSecret)
//	coord, err := daemon.New(sess, probe.NewInterfaces(), light, deep)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := coord.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Start blocks until ctx is cancelled or Stop is called from another
// goroutine.
package daemon
