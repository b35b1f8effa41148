package topic

import "testing"

func TestMatchesWildcards(t *testing.T) {
	cases := []struct {
		filter, name string
		want         bool
	}{
		{"sport/tennis/player1", "sport/tennis/player1", true},
		{"sport/tennis/+", "sport/tennis/player1", true},
		{"sport/tennis/+", "sport/tennis/player1/ranking", false},
		{"sport/#", "sport/tennis/player1/ranking", true},
		{"sport/#", "sport", true},
		{"#", "anything/at/all", true},
		{"+/+", "a/b", true},
		{"+/+", "a/b/c", false},
		{"sport/+/player1", "sport/tennis/player1", true},
	}
	for _, c := range cases {
		if got := Matches(c.filter, c.name); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.filter, c.name, got, c.want)
		}
	}
}

func TestSysTopicsExcludedFromWildcard(t *testing.T) {
	if Matches("#", "$SYS/broker/clients/connected") {
		t.Fatal("# must not match a $SYS topic")
	}
	if !Matches("$SYS/#", "$SYS/broker/clients/connected") {
		t.Fatal("$SYS/# should match a $SYS topic")
	}
}

func TestValidateFilterWildcardPlacement(t *testing.T) {
	valid := []string{"a/b/c", "a/+/c", "a/#", "#", "+", "$share/g/a/+/c"}
	invalid := []string{"a/b#", "a/#/c", "a/b+", "$share//a", "$share/g/"}
	for _, f := range valid {
		if !ValidateFilter(f) {
			t.Errorf("expected %q to be valid", f)
		}
	}
	for _, f := range invalid {
		if ValidateFilter(f) {
			t.Errorf("expected %q to be invalid", f)
		}
	}
}

func TestTreeMatchDirectSubscriber(t *testing.T) {
	tree := New()
	var delivered string
	tree.Subscribe("sport/tennis/+", &Subscriber{
		Key: "client-1",
		Deliver: func(name string, qos byte, retain bool, payload []byte) {
			delivered = name
		},
	})
	matches := tree.Match("sport/tennis/player1")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	matches[0].Deliver("sport/tennis/player1", 0, false, nil)
	if delivered != "sport/tennis/player1" {
		t.Fatalf("deliver not invoked correctly: %q", delivered)
	}
}

func TestTreeMatchMergesOverlappingSubscriptionsForSameKey(t *testing.T) {
	tree := New()
	tree.Subscribe("a/b", &Subscriber{Key: "client-1", QoS: 1, SubscriptionID: 10})
	tree.Subscribe("a/+", &Subscriber{Key: "client-1", QoS: 2, RetainAsPublished: true, SubscriptionID: 20})

	matches := tree.Match("a/b")
	if len(matches) != 1 {
		t.Fatalf("expected one merged subscriber for overlapping filters, got %d", len(matches))
	}
	m := matches[0]
	if m.QoS != 2 {
		t.Fatalf("expected merged QoS to be the max across matches, got %d", m.QoS)
	}
	if !m.RetainAsPublished {
		t.Fatal("expected RetainAsPublished to be OR'd across matches")
	}
	if len(m.SubscriptionIDs) != 2 {
		t.Fatalf("expected both subscription ids collected, got %v", m.SubscriptionIDs)
	}
}

func TestTreeMatchNoLocalRequiresAllMatchesToAgree(t *testing.T) {
	tree := New()
	tree.Subscribe("a/b", &Subscriber{Key: "client-1", NoLocal: true})
	tree.Subscribe("a/+", &Subscriber{Key: "client-1", NoLocal: false})

	matches := tree.Match("a/b")
	if len(matches) != 1 {
		t.Fatalf("expected one merged subscriber, got %d", len(matches))
	}
	if matches[0].NoLocal {
		t.Fatal("expected NoLocal to be false when any matching filter did not request it")
	}
}

func TestTreeUnsubscribePrunesBranch(t *testing.T) {
	tree := New()
	tree.Subscribe("a/b/c", &Subscriber{Key: "client-1"})
	tree.Unsubscribe("a/b/c", "client-1")
	if matches := tree.Match("a/b/c"); len(matches) != 0 {
		t.Fatalf("expected no matches after unsubscribe, got %d", len(matches))
	}
	if len(tree.root.children) != 0 {
		t.Fatalf("expected trie branch to be pruned, got %d root children", len(tree.root.children))
	}
}

func TestTreeSharedSubscriptionRoundRobin(t *testing.T) {
	tree := New()
	var got []string
	mk := func(id string) *Subscriber {
		return &Subscriber{
			Key:        id,
			ShareGroup: "workers",
			Deliver: func(name string, qos byte, retain bool, payload []byte) {
				got = append(got, id)
			},
		}
	}
	tree.Subscribe("$share/workers/jobs/new", mk("w1"))
	tree.Subscribe("$share/workers/jobs/new", mk("w2"))

	for i := 0; i < 4; i++ {
		matches := tree.Match("jobs/new")
		if len(matches) != 1 {
			t.Fatalf("expected exactly one shared delivery, got %d", len(matches))
		}
		matches[0].Deliver("jobs/new", 0, false, nil)
	}
	if got[0] == got[1] && got[1] == got[2] && got[2] == got[3] {
		t.Fatalf("expected round-robin distribution across group members, got %v", got)
	}
}

func TestIsSharedParsesGroupAndFilter(t *testing.T) {
	group, filter, ok := IsShared("$share/workers/jobs/new")
	if !ok || group != "workers" || filter != "jobs/new" {
		t.Fatalf("got group=%q filter=%q ok=%v", group, filter, ok)
	}
	if _, _, ok := IsShared("jobs/new"); ok {
		t.Fatal("expected non-shared filter to report ok=false")
	}
}
