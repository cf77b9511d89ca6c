// Package store provides the lifecycle shared by the agent's stores.
//
// A store embeds *Base[C] where C is its configuration struct. Init takes a
// configure callback that mutates a copy of the defaults; if *C has a
// Validate method it runs before the configuration is committed. Init
// succeeds once. Every query made before a successful Init fails with
// errors.ErrStoreNotInitialized.
//
//	type ProfileConfig struct {
//	    Collection *state.Collection
//	}
//
//	func (c *ProfileConfig) Validate() error {
//	    if c.Collection == nil {
//	        return errors.New("collection binding required")
//	    }
//	    return nil
//	}
//
//	type ProfileStore struct {
//	    *store.Base[ProfileConfig]
//	}
//
// Registry records stores in the order they were initialized and stops
// them in reverse. It does not order or resolve dependencies between
// stores; callers initialize them in the order they need.
package store
