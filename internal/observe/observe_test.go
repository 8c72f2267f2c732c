package observe

import "testing"

func TestPublish(t *testing.T) {
	var n Notifier[int]
	var got []int
	cancel := n.Subscribe(func(v int) { got = append(got, v) })

	n.Publish(1, 10)
	n.Publish(2, 20)
	cancel()
	n.Publish(3, 30)

	if len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Errorf("got %v, want [10 20]", got)
	}
	if n.Len() != 0 {
		t.Errorf("subscribers = %d, want 0", n.Len())
	}
}

func TestPublishDropsStale(t *testing.T) {
	var n Notifier[string]
	var got []string
	n.Subscribe(func(v string) { got = append(got, v) })

	n.Publish(2, "new")
	n.Publish(1, "old")
	n.Publish(2, "dup")

	if len(got) != 1 || got[0] != "new" {
		t.Errorf("got %v, want [new]", got)
	}
}
