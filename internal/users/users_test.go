package users

import (
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
)

func TestDirectoryReplaceAndGet(t *testing.T) {
	t.Parallel()
	d := NewDirectory("yrk/cs/2")
	d.Replace([]User{
		{Email: " a@uni.ac.uk ", CheckinToken: "t1"},
		{Email: "b@uni.ac.uk", CheckinToken: "t2", CodesURLSuffix: "yrk/maths/1"},
	})

	u, err := d.Get("A@uni.ac.uk")
	gt.NoError(t, err).Required()
	gt.Value(t, u.CodesURLSuffix).Equal("yrk/cs/2")
	gt.Value(t, u.Email).Equal("a@uni.ac.uk")

	u, err = d.Get("b@uni.ac.uk")
	gt.NoError(t, err).Required()
	gt.Value(t, u.CodesSource()).Equal("yrk/maths/1")

	_, err = d.Get("nobody@uni.ac.uk")
	gt.Error(t, err).Is(ErrNotFound)
}

func TestDirectoryUpdateTokenPublishesCopy(t *testing.T) {
	t.Parallel()
	d := NewDirectory("s")
	d.Replace([]User{{Email: "a@x", CheckinToken: "old"}})
	before := d.All()

	var persisted string
	d.OnTokenChange(func(_, token string) { persisted = token })
	d.UpdateToken("a@x", "new")
	d.UpdateToken("a@x", "new")

	gt.Value(t, before[0].CheckinToken).Equal("old")
	u, _ := d.Get("a@x")
	gt.Value(t, u.CheckinToken).Equal("new")
	gt.Value(t, persisted).Equal("new")
}

func TestDirectoryShuffledIsPermutation(t *testing.T) {
	t.Parallel()
	d := NewDirectory("s")
	var in []User
	for _, e := range []string{"a", "b", "c", "d", "e"} {
		in = append(in, User{Email: e, CheckinToken: "t"})
	}
	d.Replace(in)

	got := d.Shuffled(rand.New(rand.NewSource(7)))
	emails := make([]string, 0, len(got))
	for _, u := range got {
		emails = append(emails, u.Email)
	}
	sort.Strings(emails)
	gt.Value(t, emails).Equal([]string{"a", "b", "c", "d", "e"})
	gt.Value(t, d.All()[0].Email).Equal("a")
}

func TestUserValid(t *testing.T) {
	t.Parallel()
	gt.Bool(t, User{Email: "a", CheckinToken: "t"}.Valid()).True()
	gt.Bool(t, User{Email: "a"}.Valid()).False()
	gt.Bool(t, User{CheckinToken: "t"}.Valid()).False()
}

func TestLocalStoreCodeLifecycle(t *testing.T) {
	t.Parallel()
	s := NewLocalStore(filepath.Join(t.TempDir(), "user.json"))

	rec, err := s.Load()
	gt.NoError(t, err).Required()
	gt.Value(t, rec.Email).Equal("")

	_, err = s.Update(func(r *LocalRecord) {
		r.Email = "me@uni.ac.uk"
		r.Token = "tok"
		r.CodesURL = "https://codes.test/list"
	})
	gt.NoError(t, err).Required()

	n, err := s.AddUntried([]ScoredCode{{Value: "333", Reputation: 4}, {Value: "111", Reputation: 2}, {Value: "111"}, {}})
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(2)

	at := time.Date(2025, 2, 17, 9, 0, 0, 0, time.UTC)
	rec, err = s.MarkTried([]string{"111"}, at)
	gt.NoError(t, err).Required()
	gt.Value(t, rec.AvailableUntriedCodes).Equal([]string{"333"})
	gt.Value(t, rec.TriedCodes).Equal([]string{"111"})

	// Tried codes are never re-added.
	n, err = s.AddUntried([]ScoredCode{{Value: "111"}, {Value: "222", Reputation: 1}, {Value: "333", Reputation: 7}})
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(1)

	gt.NoError(t, s.SaveToken("rotated", at)).Required()
	rec, err = s.Load()
	gt.NoError(t, err).Required()
	gt.Value(t, rec.Token).Equal("rotated")
	gt.Value(t, rec.AvailableUntriedCodes).Equal([]string{"333", "222"})
	gt.Value(t, rec.CodeReputation).Equal(map[string]int{"333": 7, "222": 1})
	gt.Value(t, rec.LastCodeAttempt.Equal(at)).Equal(true)
	gt.Value(t, rec.User().CodesSource()).Equal("https://codes.test/list")
}
