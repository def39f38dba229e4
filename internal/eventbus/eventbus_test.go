package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/node"
)

func TestPublishNodeUpsertedDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)

	a := b.SubscribeNodeUpserted()
	c := b.SubscribeNodeUpserted()

	n := &node.Node{Identifier: node.NodeIdentifier{UID: 7}, Kind: node.KindLocalFile, LocalFile: &node.LocalFile{}}
	b.PublishNodeUpserted(NodeUpserted{Node: n, TreeID: "t1"})

	select {
	case ev := <-a:
		require.Equal(t, node.UID(7), ev.Node.Identifier.UID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber a")
	}

	select {
	case ev := <-c:
		require.Equal(t, node.UID(7), ev.Node.Identifier.UID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber c")
	}
}

func TestPublishDropsWithoutBlockingWhenSubscriberFull(t *testing.T) {
	b := New(nil)
	ch := b.SubscribeNodeRemoved()

	for i := 0; i < subscriberBufSize+10; i++ {
		b.PublishNodeRemoved(NodeRemoved{Identifier: node.NodeIdentifier{UID: node.UID(i)}})
	}

	require.Len(t, ch, subscriberBufSize)
}

func TestPublishCommandCompleteWithNoSubscribersIsNoop(t *testing.T) {
	b := New(nil)
	b.PublishCommandComplete(CommandComplete{OpUID: "x", Success: true})
}
