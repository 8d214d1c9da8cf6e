// ABOUTME: Package feedsync schedules and runs threat intelligence feed retrieval
// ABOUTME: Retriever isolates per-run failures; Manager owns recurring schedules per feed

/*
Package feedsync keeps the local IOC store in step with external threat
intelligence feeds.

# Core Components

Retriever performs one cycle for one feed: load records through the feed's
connector, then hand them to the store with the feed's update type. Run
never panics and never returns an error; the outcome is reported in a
RunResult and logged with the feed id and run id:

	r, err := feedsync.NewRetriever(feedsync.RetrieverConfig{
		Connector:  conn,
		Store:      feedStore,
		UpdateType: types.UpdateTypeReplace,
		Timeout:    10 * time.Minute,
	})
	if err != nil {
		return err
	}
	result := r.Run(ctx)

Manager drives every registered feed from one shared loop that wakes every
Resolution. A registered feed first runs on the next wake-up and then every
interval. Registering a feed id again cancels the old schedule first;
deregistering cancels it and removes it:

	mgr := feedsync.NewManager(feedsync.ManagerConfig{
		Resolution:        time.Second,
		MaxConcurrentRuns: 4,
	})
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	_ = mgr.Register(ctx, "urlhaus", r, time.Hour)
	_ = mgr.TriggerNow(ctx, "urlhaus")
	mgr.Deregister(ctx, "urlhaus")

StatusTracker holds the last outcome and next scheduled time of each feed.
Observers registered on the Manager see every finished run.

# Thread Safety

All components in this package are safe for concurrent use.
*/
package feedsync
