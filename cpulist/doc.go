/*
Package cpulist supports working with the textual CPU lists found in sysfs
topology files and on command lines, as well as with CPU affinity masks.

  - [List] stores CPU numbers as ranges, such as 0-3,8; this is the format of
    “thread_siblings_list” and friends.
  - [Set] stores CPU numbers as bits, mirroring the affinity masks of
    [sched_getaffinity(2)].

[List.Canonical] returns a normalized form of a List where ranges are ordered
and merged, so that two lists describing the same CPUs compare equal no matter
how they were originally written.

[sched_getaffinity(2)]: https://man7.org/linux/man-pages/man2/sched_getaffinity.2.html
*/
package cpulist
