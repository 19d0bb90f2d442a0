/*
 *
 * Copyright 2024 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# MetaRepair: offline disaster recovery for rank-sharded metadata

MetaRepair is the operator toolkit for getting a sharded metadata cluster
back on its feet after a rank's state or journal becomes unusable: crash,
corruption, operator error, or a deliberate shrink of the cluster.

The namespace is a directory tree partitioned across authority domains
("ranks"). Each rank logs pending mutations to a per-rank journal before
applying them to the backing key-value store. When a rank cannot come back,
MetaRepair can:

* recover un-applied dentries straight from the journal into the backing
  store, without running the service (recover-dentries)

* truncate a journal whose content is applied or abandoned (reset-journal)

* reset a rank's allocation tables - session, inode, snapshot - to a clean
  initial state without ever reissuing a visible identifier (reset-table)

* erase orphaned rank-scoped objects from the backing store by key prefix
  (erase-rank-objects)

* shrink the authority-domain count to a surviving set, only after every
  retired rank has been recovered, reset and erased (shrink-to)

All operations run against a stopped cluster; the ranks being recovered must
not be concurrently served by a live authority.

## Layout

* journal - event codec, lazy journal reader, per-rank journal streams

* recovery - dentry recovery, table reset, object erasure, and the
  orchestrator sequencing them

* common/kvstore - the backing store abstraction (rocksdb or badger)

## Building Blocks

* Rocksdb / Badger
* Prometheus

*/

package metarepair
