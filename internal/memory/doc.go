// Package memory keeps the migrator inside its container memory limit.
//
// [ConfigureFromEnv] derives GOMEMLIMIT from the container limit. libvips
// allocates outside the Go heap, so only a share of the limit is given to
// the runtime (MEMORY_RATIO, default 0.6):
//
//	env:
//	- name: MEMORY_LIMIT
//	  valueFrom:
//	    resourceFieldRef:
//	      resource: limits.memory
//	- name: MEMORY_RATIO
//	  value: "0.5"
//
// A [Monitor] samples heap usage against that limit. Once usage reaches the
// critical mark the scheduler stops dispatching attachments until it drops
// back under the high mark.
package memory
