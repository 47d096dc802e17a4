// Package engine wires all photoq subsystems together and provides the
// primary application-level API for registering kinds and enqueuing
// work.
//
// The engine package exists to break an import cycle: the root photoq
// package defines Entity (imported by job, queue, scheduler, etc.) and
// therefore cannot import those packages back. Engine sits above all
// subsystem packages and below the application layer.
//
// # Building an Engine
//
//	c, err := photoq.New(
//	    photoq.WithStore(st),
//	    photoq.WithConcurrency(8),
//	)
//
//	eng, err := engine.Build(c,
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(myMiddleware),
//	)
//
// # Registering Work
//
//	engine.Register(eng, job.NewDefinition("image.thumbnail",
//	    func(ctx context.Context, p ThumbnailPayload) error {
//	        return makeThumbnail(ctx, p)
//	    },
//	))
//
// # Enqueuing Jobs
//
//	j, err := engine.Enqueue(ctx, eng, "image.thumbnail", ThumbnailPayload{
//	    PhotoID: photoID,
//	}, job.WithQueue("images"), job.WithPriority(5))
//
// # Recurring Schedules
//
//	err = engine.RegisterCron(ctx, eng, &cron.Definition[ScanInput]{
//	    Name:     "nightly-library-scan",
//	    Schedule: "0 3 * * *",
//	    Kind:     "library.scan",
//	})
//
// Start begins the background machinery (claim slots, lease heartbeats,
// the stalled-job sweep, recurring dispatch, health sampling,
// autoscaling); Stop drains it within the configured ShutdownTimeout.
package engine
