// Package pwchanged runs the password change pipeline: a producer that
// verifies the current secret, locks the subject and queues the change, and a
// single periodic worker that commits queued changes one at a time.
//
// # Running a server
//
// Every instance shares the lock and queue store named by Config.Store.
// Exactly one instance should run the worker; the others set
// Config.DisableWorker and only submit.
//
//	cfg := pwchanged.Config{
//	    Store:       "redis://redis:6379/0",
//	    Credentials: "sqlite:///var/lib/pwchanged/credentials.db",
//	    PayloadKeyPath: "/etc/pwchanged/payload.pem",
//	}
//	srv, err := pwchanged.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("pwchanged: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
//	ticket, err := srv.Submit(ctx, pwchanged.Request{
//	    SubjectID:     "u1",
//	    CurrentSecret: "old",
//	    NewSecret:     "new",
//	})
//
// Submit returns once the change is queued. A second submission for the same
// subject fails with a conflict until the worker has processed the first one
// or its lock TTL (Config.LockTTL, default 5 minutes) has elapsed.
//
// # Stores
//
// Config.Store accepts:
//
//   - mem:// for a single process
//   - redis://host:6379/0 or rediss:// (SET NX PX, RPUSH, LPOP); key-prefix=
//     namespaces every key
//   - nats://host:4222 with JetStream (KV bucket for locks, work queue stream
//     for items); bucket=, stream=, subject=, memory=, ack-wait= tune it
//   - s3://host:9000/bucket/prefix for S3 compatible object storage
//     (conditional writes for locks, one object per item); insecure= and
//     path-style= tune it
//
// Config.Credentials accepts mem:// and sqlite:///path.
//
// # Payload encryption
//
// Queue items carry both secrets, so request bodies are sealed with a
// kryptograf data key per item unless Config.DisablePayloadEncryption is set.
// All instances sharing a queue need the same key bundle ('pwchanged key gen').
package pwchanged
