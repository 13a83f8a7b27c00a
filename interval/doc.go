/*Package interval implements interval-union operations for restricting
  variant queries to genomic regions given by a BED file or a region string.
  (Note the 'union'.  Overlapping intervals are merged, not tracked
  separately.)
  Coordinates are 0-based half-open, as in BED; VCF positions must be
  converted by the caller.
*/
package interval
