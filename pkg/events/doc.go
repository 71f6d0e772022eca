/*
Package events is an in-memory pub/sub bus for cluster lifecycle changes.

The manager publishes one event per status transition (cluster.provisioning,
cluster.running, cluster.stopping, cluster.terminated) plus failures and
autostop teardowns. Each transition event carries the cluster name and the
from/to statuses in Metadata:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata[events.MetaCluster])
	}

Publishing goes through a single distribution goroutine, so a subscriber sees
events in publish order. Subscribers that fall more than 50 events behind
lose events rather than blocking publishers.
*/
package events
