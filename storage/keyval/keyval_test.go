package keyval_test

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/leftmike/falcon/storage/keyval"
	"github.com/leftmike/falcon/testutil"
)

const (
	iterateCmd = iota
	getCmd
	updaterCmd
	setCmd
	deleteCmd
	commitCmd
	rollbackCmd
)

type keyVal struct {
	key string
	val string
}

type kvCmd struct {
	loc     testutil.Location
	cmd     int
	fail    bool
	key     string
	maxKey  string
	val     string
	keyVals []keyVal
}

func at() testutil.Location {
	return testutil.Here()
}

func runKVTest(t *testing.T, kv keyval.KV, cmds []kvCmd) {
	t.Helper()

	var updater keyval.Updater
	for _, cmd := range cmds {
		switch cmd.cmd {
		case iterateCmd:
			maxKey := keyval.MaxKey
			if cmd.maxKey != "" {
				maxKey = []byte(cmd.maxKey)
			}
			keyVals := cmd.keyVals
			it, err := kv.Iterate([]byte(cmd.key), maxKey)
			if err != nil {
				t.Errorf("%sIterate() failed with %s", cmd.loc, err)
				break
			}

			for {
				err := it.Item(
					func(key, val []byte) error {
						if len(keyVals) == 0 {
							return errors.New("too many key vals")
						}
						if string(key) != keyVals[0].key {
							return fmt.Errorf("key: got %s want %s", string(key), keyVals[0].key)
						}
						if string(val) != keyVals[0].val {
							return fmt.Errorf("val: got %s want %s", string(val), keyVals[0].val)
						}
						keyVals = keyVals[1:]
						return nil
					})
				if err == io.EOF {
					break
				} else if err != nil {
					t.Errorf("%sIterate() failed with %s", cmd.loc, err)
					break
				}
			}
			if len(keyVals) > 0 {
				t.Errorf("%sIterate() not enough key vals: %d", cmd.loc, len(keyVals))
			}
			it.Close()

		case getCmd:
			get := kv.Get
			if updater != nil {
				get = updater.Get
			}
			var val string
			err := get([]byte(cmd.key),
				func(v []byte) error {
					val = string(v)
					return nil
				})
			if cmd.fail {
				if err != io.EOF {
					t.Errorf("%sGet(%s) got %v want io.EOF", cmd.loc, cmd.key, err)
				}
			} else if err != nil {
				t.Errorf("%sGet(%s) failed with %s", cmd.loc, cmd.key, err)
			} else if val != cmd.val {
				t.Errorf("%sGet(%s) got %s want %s", cmd.loc, cmd.key, val, cmd.val)
			}

		case updaterCmd:
			if updater != nil {
				panic("updater: updater is not nil")
			}

			var err error
			updater, err = kv.Updater()
			if err != nil {
				t.Fatalf("%sUpdater() failed with %s", cmd.loc, err)
			}

		case setCmd:
			err := updater.Set([]byte(cmd.key), []byte(cmd.val))
			if err != nil {
				t.Errorf("%sSet(%s) failed with %s", cmd.loc, cmd.key, err)
			}

		case deleteCmd:
			err := updater.Delete([]byte(cmd.key))
			if err != nil {
				t.Errorf("%sDelete(%s) failed with %s", cmd.loc, cmd.key, err)
			}

		case commitCmd:
			err := updater.Commit(true)
			if err != nil {
				t.Errorf("%sCommit() failed with %s", cmd.loc, err)
			}
			updater = nil

		case rollbackCmd:
			updater.Rollback()
			updater = nil

		default:
			panic(fmt.Sprintf("unexpected command: %d", cmd.cmd))
		}
	}
}

func testKV(t *testing.T, kv keyval.KV) {
	t.Helper()

	runKVTest(t, kv,
		[]kvCmd{
			{loc: at(), cmd: iterateCmd, key: "A"},
			{loc: at(), cmd: getCmd, key: "Aaaa", fail: true},
			{loc: at(), cmd: updaterCmd},
			{loc: at(), cmd: setCmd, key: "Aaaa", val: "aaa@2"},
			{loc: at(), cmd: setCmd, key: "Accc", val: "ccc@2"},
			{loc: at(), cmd: setCmd, key: "Abbb", val: "bbb@2"},
			{loc: at(), cmd: getCmd, key: "Abbb", val: "bbb@2"},
			{loc: at(), cmd: commitCmd},

			{loc: at(), cmd: getCmd, key: "Abbb", val: "bbb@2"},
			{loc: at(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Aaaa", "aaa@2"},
					{"Abbb", "bbb@2"},
					{"Accc", "ccc@2"},
				},
			},
			{loc: at(), cmd: iterateCmd, key: "Ab", maxKey: "Abbb",
				keyVals: []keyVal{
					{"Abbb", "bbb@2"},
				},
			},

			{loc: at(), cmd: updaterCmd},
			{loc: at(), cmd: setCmd, key: "Abbb", val: "bbb@3"},
			{loc: at(), cmd: setCmd, key: "Addd", val: "ddd@3"},
			{loc: at(), cmd: deleteCmd, key: "Aaaa"},
			{loc: at(), cmd: commitCmd},

			{loc: at(), cmd: getCmd, key: "Aaaa", fail: true},
			{loc: at(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
				},
			},

			{loc: at(), cmd: updaterCmd},
			{loc: at(), cmd: setCmd, key: "Abbb", val: "bbb@4"},
			{loc: at(), cmd: deleteCmd, key: "Accc"},
			{loc: at(), cmd: rollbackCmd},

			{loc: at(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
				},
			},
		})
}

func TestBTreeKV(t *testing.T) {
	kv, err := keyval.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	testKV(t, kv)
}

func TestBadgerKV(t *testing.T) {
	testutil.ResetDir(t, "testdata", ".gitignore")

	kv, err := keyval.Open("badger", filepath.Join("testdata", "badger"),
		testutil.SetupLogger(filepath.Join("testdata", "badger_kv.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	testKV(t, kv)
}

func TestBBoltKV(t *testing.T) {
	testutil.ResetDir(t, "testdata", ".gitignore")

	kv, err := keyval.Open("bbolt", filepath.Join("testdata", "bbolt"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	testKV(t, kv)
}

func TestPebbleKV(t *testing.T) {
	testutil.ResetDir(t, "testdata", ".gitignore")

	kv, err := keyval.Open("pebble", filepath.Join("testdata", "pebble"),
		testutil.SetupLogger(filepath.Join("testdata", "pebble_kv.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	testKV(t, kv)
}
