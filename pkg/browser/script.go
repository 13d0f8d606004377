package browser

// snapshotScript serializes the live page with the state markup alone does
// not carry: layout boxes, computed visibility and current form values. The
// clone keeps every node (scripts included) so that nth-of-type paths
// computed on the mirror resolve to the same elements in the browser.
const snapshotScript = `() => {
  const live = Array.from(document.documentElement.querySelectorAll('*'));
  const root = document.documentElement.cloneNode(true);
  const copies = Array.from(root.querySelectorAll('*'));
  const mark = (src, dst) => {
    const r = src.getBoundingClientRect();
    dst.setAttribute('data-pagepilot-rect',
      [r.x + window.scrollX, r.y + window.scrollY, r.width, r.height].map(Math.round).join(','));
    const cs = window.getComputedStyle(src);
    if (cs.display === 'none' || cs.visibility === 'hidden' || cs.visibility === 'collapse') {
      dst.setAttribute('data-pagepilot-hidden', '');
    } else {
      dst.removeAttribute('data-pagepilot-hidden');
    }
    const tag = src.tagName.toLowerCase();
    if (tag === 'input') {
      const type = (src.type || '').toLowerCase();
      if (type === 'checkbox' || type === 'radio') {
        if (src.checked) dst.setAttribute('checked', ''); else dst.removeAttribute('checked');
      } else if (type !== 'file') {
        dst.setAttribute('value', src.value);
      }
    } else if (tag === 'textarea') {
      dst.textContent = src.value;
    } else if (tag === 'option') {
      if (src.selected) dst.setAttribute('selected', ''); else dst.removeAttribute('selected');
    }
  };
  mark(document.documentElement, root);
  for (let i = 0; i < live.length && i < copies.length; i++) {
    mark(live[i], copies[i]);
  }
  return '<!DOCTYPE html>' + root.outerHTML;
}`
