package observer

import (
	"reflect"
	"testing"
)

func TestRegistryPublishesInRegistrationOrder(t *testing.T) {
	var r Registry[int]
	var calls []string
	r.Subscribe(func(v int) { calls = append(calls, "first") })
	r.Subscribe(func(v int) { calls = append(calls, "second") })
	r.Publish(1)
	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Fatalf("unexpected call order %v", calls)
	}
}

func TestRegistryDisposerRemovesOnlyItsSubscription(t *testing.T) {
	var r Registry[string]
	var got []string
	disposeA := r.Subscribe(func(v string) { got = append(got, "a:"+v) })
	r.Subscribe(func(v string) { got = append(got, "b:"+v) })

	disposeA()
	disposeA()
	r.Publish("x")
	if !reflect.DeepEqual(got, []string{"b:x"}) {
		t.Fatalf("expected only b to be notified, got %v", got)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", r.Len())
	}
}

func TestRegistryAllowsUnsubscribeDuringPublish(t *testing.T) {
	var r Registry[int]
	count := 0
	var dispose func()
	dispose = r.Subscribe(func(int) {
		count++
		dispose()
	})
	r.Publish(1)
	r.Publish(2)
	if count != 1 {
		t.Fatalf("expected a single delivery, got %d", count)
	}
}
